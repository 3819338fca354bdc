// Package logset compiles logset rules and turns matching local paths into
// remote archive paths.
package logset

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrDuplicateName is returned by Load when two records share a name
// within the same zone.
var ErrDuplicateName = errors.New("duplicate logset name")

var adjustmentPattern = regexp.MustCompile(`^(-?\d+)H$`)

var dateKeys = []string{"y", "m", "d", "H", "M", "S"}

// Logset is a compiled Record. It is immutable once loaded.
type Logset struct {
	Record

	re       *regexp.Regexp
	tmpl     []segment
	debounce time.Duration
	retain   time.Duration
	adjust   time.Duration
	selector map[string]int
	tenant   int
}

// IdentityLookup resolves a tenant account uuid to its login.
type IdentityLookup interface {
	AccountLogin(ctx context.Context, uuid string) (string, error)
}

// Engine holds the active logsets in declaration order.
type Engine struct {
	logsets []*Logset
}

// Load validates and compiles records. Any error means the whole set is
// unusable.
func Load(records []Record) (*Engine, error) {
	seen := make(map[string]struct{}, len(records))
	e := &Engine{logsets: make([]*Logset, 0, len(records))}
	for i, rec := range records {
		ls, err := compile(rec)
		if err != nil {
			return nil, fmt.Errorf("logset %d: %w", i, err)
		}
		key := ls.Name + "\x00" + ls.Zonename
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %q (zone %q)", ErrDuplicateName, ls.Name, ls.Zonename)
		}
		seen[key] = struct{}{}
		e.logsets = append(e.logsets, ls)
	}
	return e, nil
}

func compile(rec Record) (*Logset, error) {
	switch {
	case rec.Name == "":
		return nil, errors.New("name is required")
	case rec.Regex == "":
		return nil, fmt.Errorf("%q: regex is required", rec.Name)
	case rec.MantaPath == "":
		return nil, fmt.Errorf("%q: manta_path is required", rec.Name)
	case len(rec.SearchDirs) == 0:
		return nil, fmt.Errorf("%q: search_dirs is required", rec.Name)
	}
	if rec.Zonename == "" {
		rec.Zonename = GlobalZone
	}
	if rec.Zonerole == "" {
		rec.Zonerole = rec.Zonename
	}
	if rec.DebounceTime == nil {
		rec.DebounceTime = intPtr(DefaultDebounce)
	}
	if rec.RetainTime == nil {
		rec.RetainTime = intPtr(0)
	}
	if *rec.DebounceTime < 0 || *rec.RetainTime < 0 {
		return nil, fmt.Errorf("%q: debounce_time and retain_time must not be negative", rec.Name)
	}

	re, err := regexp.Compile(rec.Regex)
	if err != nil {
		return nil, fmt.Errorf("%q: compile regex: %w", rec.Name, err)
	}
	ls := &Logset{
		Record:   rec,
		re:       re,
		debounce: time.Duration(*rec.DebounceTime) * time.Second,
		retain:   time.Duration(*rec.RetainTime) * time.Second,
	}
	groups := re.NumSubexp()

	if rec.DateString != nil {
		ls.selector = make(map[string]int, len(rec.DateString))
		for k, sel := range rec.DateString {
			if !isDateKey(k) {
				return nil, fmt.Errorf("%q: unknown date_string field %q", rec.Name, k)
			}
			n, err := groupSelector(sel, groups)
			if err != nil {
				return nil, fmt.Errorf("%q: date_string.%s: %w", rec.Name, k, err)
			}
			ls.selector[k] = n
		}
	}
	if rec.DateAdjustment != "" {
		m := adjustmentPattern.FindStringSubmatch(rec.DateAdjustment)
		if m == nil {
			return nil, fmt.Errorf("%q: invalid date_adjustment %q", rec.Name, rec.DateAdjustment)
		}
		hours, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%q: invalid date_adjustment %q: %w", rec.Name, rec.DateAdjustment, err)
		}
		ls.adjust = time.Duration(hours) * time.Hour
	}
	if rec.CustomerUUID != "" {
		n, err := groupSelector(rec.CustomerUUID, groups)
		if err != nil {
			return nil, fmt.Errorf("%q: customer_uuid: %w", rec.Name, err)
		}
		ls.tenant = n
	}

	ls.tmpl, err = compileTemplate(rec.Name, rec.MantaPath, groups, rec.DateString != nil)
	if err != nil {
		return nil, err
	}
	return ls, nil
}

func isDateKey(k string) bool {
	for _, d := range dateKeys {
		if d == k {
			return true
		}
	}
	return false
}

func groupSelector(sel string, groups int) (int, error) {
	if len(sel) < 2 || sel[0] != '$' {
		return 0, fmt.Errorf("selector %q must be of the form $N", sel)
	}
	n, err := strconv.Atoi(sel[1:])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("selector %q must be of the form $N", sel)
	}
	if n > groups {
		return 0, fmt.Errorf("selector %q exceeds the %d groups in regex", sel, groups)
	}
	return n, nil
}

// Logsets returns the compiled logsets in declaration order.
func (e *Engine) Logsets() []*Logset {
	if e == nil {
		return nil
	}
	return e.logsets
}

// Len reports the number of loaded logsets.
func (e *Engine) Len() int { return len(e.Logsets()) }

// Match returns the first logset whose regex matches path, or nil.
func (e *Engine) Match(path string) *Logset {
	for _, ls := range e.Logsets() {
		if ls.re.MatchString(path) {
			return ls
		}
	}
	return nil
}

// Matches reports whether path matches this logset's regex.
func (l *Logset) Matches(path string) bool { return l.re.MatchString(path) }

// Debounce is how long a file must stay untouched before archival.
func (l *Logset) Debounce() time.Duration { return l.debounce }

// Retain is how long an archived file is kept locally.
func (l *Logset) Retain() time.Duration { return l.retain }

// ExtractDate derives the period a file covers from its name. The boolean
// is false when the logset has no date_string or path does not match.
func (l *Logset) ExtractDate(path string) (time.Time, bool, error) {
	if l.selector == nil {
		return time.Time{}, false, nil
	}
	groups := l.re.FindStringSubmatch(path)
	if groups == nil {
		return time.Time{}, false, nil
	}
	t, err := l.date(groups)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (l *Logset) date(groups []string) (time.Time, error) {
	v := map[string]int{"y": 0, "m": 1, "d": 1, "H": 0, "M": 0, "S": 0}
	for k, n := range l.selector {
		i, err := strconv.Atoi(groups[n])
		if err != nil {
			return time.Time{}, fmt.Errorf("date_string.%s: group $%d is %q, not a number", k, n, groups[n])
		}
		v[k] = i
	}
	t := time.Date(v["y"], time.Month(v["m"]), v["d"], v["H"], v["M"], v["S"], 0, time.UTC)
	if t.Year() != v["y"] || int(t.Month()) != v["m"] || t.Day() != v["d"] ||
		t.Hour() != v["H"] || t.Minute() != v["M"] || t.Second() != v["S"] {
		return time.Time{}, fmt.Errorf("date %04d-%02d-%02dT%02d:%02d:%02d is not a valid time",
			v["y"], v["m"], v["d"], v["H"], v["M"], v["S"])
	}
	return t.Add(l.adjust), nil
}

// TenantID returns the account uuid captured from path, if the logset
// marks a tenant group.
func (l *Logset) TenantID(path string) (string, bool) {
	if l.tenant == 0 {
		return "", false
	}
	groups := l.re.FindStringSubmatch(path)
	if groups == nil || groups[l.tenant] == "" {
		return "", false
	}
	return groups[l.tenant], true
}

// ResolveTenant looks up the login of the tenant owning path. It returns
// an empty string when the logset has no tenant marker.
func (l *Logset) ResolveTenant(ctx context.Context, path string, lookup IdentityLookup) (string, error) {
	id, ok := l.TenantID(path)
	if !ok {
		return "", nil
	}
	if lookup == nil {
		return "", errors.New("identity lookup is required")
	}
	login, err := lookup.AccountLogin(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resolve tenant %s: %w", id, err)
	}
	return login, nil
}

// RenderPath expands the manta_path template for path.
func (l *Logset) RenderPath(path string, vars Vars) (string, error) {
	groups := l.re.FindStringSubmatch(path)
	if groups == nil {
		return "", fmt.Errorf("logset %q: %s does not match %s", l.Name, path, l.Regex)
	}
	var date time.Time
	if l.selector != nil {
		var err error
		if date, err = l.date(groups); err != nil {
			return "", fmt.Errorf("logset %q: %w", l.Name, err)
		}
	}
	return l.render(groups, date, vars)
}
