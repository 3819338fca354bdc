package logset

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustLoad(t *testing.T, records ...Record) *Engine {
	t.Helper()
	e, err := Load(records)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e
}

func rec(name, regex, tmpl string) Record {
	return Record{Name: name, Regex: regex, MantaPath: tmpl, SearchDirs: []string{"/var/log"}}
}

func TestRenderPathRoundTrip(t *testing.T) {
	e := mustLoad(t, rec("app", `^/var/log/(\w+)-(\d+)\.log$`, "%u/logs/$1/$2.log"))
	ls := e.Match("/var/log/app-042.log")
	if ls == nil {
		t.Fatalf("expected match")
	}
	got, err := ls.RenderPath("/var/log/app-042.log", Vars{User: "acme"})
	if err != nil {
		t.Fatalf("RenderPath: %v", err)
	}
	if got != "acme/logs/app/042.log" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestRenderPathEscapes(t *testing.T) {
	r := rec("zone", `^/var/log/(\w+)\.log$`, "/%u/stor/%d/%r/%z/%n/$1 100%% $$ ##")
	r.Zonename = "c0ffee"
	r.Zonerole = "webapi"
	e := mustLoad(t, r)
	got, err := e.Logsets()[0].RenderPath("/var/log/api.log", Vars{User: "admin", Datacenter: "us-east-1", Nodename: "node1"})
	if err != nil {
		t.Fatalf("RenderPath: %v", err)
	}
	want := "/admin/stor/us-east-1/webapi/c0ffee/c0ffee/api 100% $ #"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNodenameOnGlobalZone(t *testing.T) {
	e := mustLoad(t, rec("gz", `^/var/log/(\w+)\.log$`, "%n/%z/$1"))
	got, err := e.Logsets()[0].RenderPath("/var/log/messages.log", Vars{Nodename: "44454c4c"})
	if err != nil {
		t.Fatalf("RenderPath: %v", err)
	}
	if got != "44454c4c/global/messages" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestDateSubstitution(t *testing.T) {
	tests := []struct {
		name   string
		regex  string
		date   map[string]string
		adjust string
		tmpl   string
		path   string
		want   string
	}{
		{
			name:  "year month day",
			regex: `^/var/log/(\w+)\.(\d{4})(\d{2})(\d{2})\.log$`,
			date:  map[string]string{"y": "$2", "m": "$3", "d": "$4"},
			tmpl:  "#y-#m-#d",
			path:  "/var/log/app.20240115.log",
			want:  "2024-01-15",
		},
		{
			name:  "absent fields use defaults",
			regex: `^/var/log/app\.(\d{2})\.log$`,
			date:  map[string]string{"H": "$1"},
			tmpl:  "#y/#m/#d/#H/#M/#S",
			path:  "/var/log/app.07.log",
			want:  "0000/01/01/07/00/00",
		},
		{
			name:   "negative adjustment crosses the year",
			regex:  `^/var/log/app\.(\d{4})-(\d{2})-(\d{2})T(\d{2})\.log$`,
			date:   map[string]string{"y": "$1", "m": "$2", "d": "$3", "H": "$4"},
			adjust: "-1H",
			tmpl:   "#y/#m/#d/#H",
			path:   "/var/log/app.2024-01-01T00.log",
			want:   "2023/12/31/23",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rec("dated", tt.regex, tt.tmpl)
			r.DateString = tt.date
			r.DateAdjustment = tt.adjust
			ls := mustLoad(t, r).Logsets()[0]
			got, err := ls.RenderPath(tt.path, Vars{})
			if err != nil {
				t.Fatalf("RenderPath: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestExtractDate(t *testing.T) {
	r := rec("dated", `^/var/log/app\.(\d{4})(\d{2})(\d{2})(\d{2})\.log$`, "$1")
	r.DateString = map[string]string{"y": "$1", "m": "$2", "d": "$3", "H": "$4"}
	ls := mustLoad(t, r).Logsets()[0]

	got, ok, err := ls.ExtractDate("/var/log/app.2024011509.log")
	if err != nil || !ok {
		t.Fatalf("ExtractDate: ok=%v err=%v", ok, err)
	}
	if want := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}

	if _, _, err := ls.ExtractDate("/var/log/app.2024010009.log"); err == nil {
		t.Fatalf("day 00 should not produce a date")
	}
	if _, ok, _ := ls.ExtractDate("/var/log/other.log"); ok {
		t.Fatalf("non-matching path should not produce a date")
	}

	plain := mustLoad(t, rec("plain", `^/var/log/(.*)$`, "$1")).Logsets()[0]
	if _, ok, err := plain.ExtractDate("/var/log/x"); ok || err != nil {
		t.Fatalf("logset without date_string: ok=%v err=%v", ok, err)
	}
}

func TestLoadRejectsBadTemplates(t *testing.T) {
	tests := map[string]Record{
		"unknown percent escape": rec("a", `^(.*)$`, "%x/$1"),
		"group zero":             rec("a", `^(.*)$`, "$0"),
		"group out of range":     rec("a", `^(.*)$`, "$1/$2"),
		"unknown date escape":    rec("a", `^(.*)$`, "#q"),
		"dangling escape":        rec("a", `^(.*)$`, "$1%"),
		"date without rule":      rec("a", `^(.*)$`, "#y/$1"),
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]Record{r})
			var tmplErr *TemplateError
			if !errors.As(err, &tmplErr) {
				t.Fatalf("expected TemplateError, got %v", err)
			}
		})
	}
}

func TestLoadValidation(t *testing.T) {
	badDate := rec("d", `^(\d+)$`, "$1")
	badDate.DateString = map[string]string{"y": "2024"}
	badAdjust := rec("d", `^(\d+)$`, "$1")
	badAdjust.DateAdjustment = "1h"
	badTenant := rec("d", `^(\d+)$`, "$1")
	badTenant.CustomerUUID = "$2"

	tests := map[string][]Record{
		"missing name":        {rec("", `^x$`, "x")},
		"malformed regex":     {rec("a", `^(x$`, "x")},
		"literal selector":    {badDate},
		"bad adjustment":      {badAdjust},
		"tenant out of range": {badTenant},
	}
	for name, records := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(records); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadDuplicateNames(t *testing.T) {
	_, err := Load([]Record{rec("a", `^x$`, "x"), rec("a", `^y$`, "y")})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	zoned := rec("a", `^y$`, "y")
	zoned.Zonename = "c0ffee"
	if _, err := Load([]Record{rec("a", `^x$`, "x"), zoned}); err != nil {
		t.Fatalf("same name in different zones should load: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	ls := mustLoad(t, rec("a", `^x$`, "x")).Logsets()[0]
	if ls.Debounce() != 600*time.Second {
		t.Fatalf("debounce %v", ls.Debounce())
	}
	if ls.Retain() != 0 {
		t.Fatalf("retain %v", ls.Retain())
	}
	if !ls.IsGlobal() {
		t.Fatalf("missing zonename should default to global")
	}
}

func TestMatchFirstWins(t *testing.T) {
	e := mustLoad(t,
		rec("specific", `^/var/log/app\.log$`, "a"),
		rec("catchall", `^/var/log/.*$`, "b"),
	)
	if got := e.Match("/var/log/app.log"); got == nil || got.Name != "specific" {
		t.Fatalf("expected specific, got %+v", got)
	}
	if got := e.Match("/var/log/other.log"); got == nil || got.Name != "catchall" {
		t.Fatalf("expected catchall, got %+v", got)
	}
	if got := e.Match("/opt/x"); got != nil {
		t.Fatalf("expected no match, got %s", got.Name)
	}
}

type fakeLookup map[string]string

func (f fakeLookup) AccountLogin(_ context.Context, uuid string) (string, error) {
	login, ok := f[uuid]
	if !ok {
		return "", errors.New("no such account")
	}
	return login, nil
}

func TestResolveTenant(t *testing.T) {
	r := rec("tenant", `^/var/log/([0-9a-f-]+)/(\w+)\.log$`, "%U/$2")
	r.CustomerUUID = "$1"
	ls := mustLoad(t, r).Logsets()[0]
	lookup := fakeLookup{"930896af-bf8c-48d4-885c-6573a94b1853": "acme"}

	path := "/var/log/930896af-bf8c-48d4-885c-6573a94b1853/access.log"
	login, err := ls.ResolveTenant(context.Background(), path, lookup)
	if err != nil {
		t.Fatalf("ResolveTenant: %v", err)
	}
	if login != "acme" {
		t.Fatalf("unexpected login %q", login)
	}
	got, err := ls.RenderPath(path, Vars{Customer: login})
	if err != nil || got != "acme/access" {
		t.Fatalf("RenderPath = %q, %v", got, err)
	}

	if _, err := ls.ResolveTenant(context.Background(), "/var/log/00000000-0000-0000-0000-000000000000/a.log", lookup); err == nil {
		t.Fatalf("expected lookup failure")
	}

	plain := mustLoad(t, rec("plain", `^(.*)$`, "$1")).Logsets()[0]
	if login, err := plain.ResolveTenant(context.Background(), "/x", nil); login != "" || err != nil {
		t.Fatalf("logset without tenant marker: %q, %v", login, err)
	}
}
