package logset

import (
	"fmt"
	"strings"
	"time"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segVar
	segGroup
	segDate
)

type segment struct {
	kind  segmentKind
	text  string
	code  byte
	group int
}

// TemplateError reports a malformed manta_path template.
type TemplateError struct {
	Logset   string
	Template string
	Offset   int
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("logset %q: template %q at offset %d: %s", e.Logset, e.Template, e.Offset, e.Reason)
}

// Vars carries the host and tenant values substituted by %-escapes.
type Vars struct {
	User       string // %u
	Customer   string // %U
	Datacenter string // %d
	Nodename   string // %n on the global zone
}

func compileTemplate(name, tmpl string, groups int, hasDate bool) ([]segment, error) {
	var (
		segs []segment
		lit  strings.Builder
	)
	fail := func(off int, format string, args ...any) ([]segment, error) {
		return nil, &TemplateError{Logset: name, Template: tmpl, Offset: off, Reason: fmt.Sprintf(format, args...)}
	}
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{kind: segLiteral, text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' && c != '$' && c != '#' {
			lit.WriteByte(c)
			continue
		}
		if i+1 >= len(tmpl) {
			return fail(i, "dangling %q", c)
		}
		i++
		e := tmpl[i]
		if e == c {
			lit.WriteByte(c)
			continue
		}
		switch c {
		case '%':
			if !strings.ContainsRune("uUrdzn", rune(e)) {
				return fail(i, "invalid escape %%%c", e)
			}
			flush()
			segs = append(segs, segment{kind: segVar, code: e})
		case '$':
			if e < '1' || e > '9' {
				return fail(i, "invalid escape $%c", e)
			}
			n := int(e - '0')
			if n > groups {
				return fail(i, "$%d exceeds the %d groups in regex", n, groups)
			}
			flush()
			segs = append(segs, segment{kind: segGroup, group: n})
		case '#':
			if !strings.ContainsRune("ymdHMS", rune(e)) {
				return fail(i, "invalid escape #%c", e)
			}
			if !hasDate {
				return fail(i, "#%c requires date_string", e)
			}
			flush()
			segs = append(segs, segment{kind: segDate, code: e})
		}
	}
	flush()
	return segs, nil
}

func (l *Logset) render(groups []string, date time.Time, vars Vars) (string, error) {
	var b strings.Builder
	for _, s := range l.tmpl {
		switch s.kind {
		case segLiteral:
			b.WriteString(s.text)
		case segGroup:
			b.WriteString(groups[s.group])
		case segDate:
			b.WriteString(dateField(date, s.code))
		case segVar:
			v, err := l.variable(s.code, vars)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
		}
	}
	return b.String(), nil
}

func (l *Logset) variable(code byte, vars Vars) (string, error) {
	var v string
	switch code {
	case 'u':
		v = vars.User
	case 'U':
		v = vars.Customer
	case 'r':
		v = l.Zonerole
	case 'd':
		v = vars.Datacenter
	case 'z':
		v = l.Zonename
	case 'n':
		if l.IsGlobal() {
			v = vars.Nodename
		} else {
			v = l.Zonename
		}
	}
	if v == "" {
		return "", &TemplateError{Logset: l.Name, Template: l.MantaPath, Reason: fmt.Sprintf("no value for %%%c", code)}
	}
	return v, nil
}

func dateField(t time.Time, code byte) string {
	switch code {
	case 'y':
		return fmt.Sprintf("%04d", t.Year())
	case 'm':
		return fmt.Sprintf("%02d", int(t.Month()))
	case 'd':
		return fmt.Sprintf("%02d", t.Day())
	case 'H':
		return fmt.Sprintf("%02d", t.Hour())
	case 'M':
		return fmt.Sprintf("%02d", t.Minute())
	default:
		return fmt.Sprintf("%02d", t.Second())
	}
}
