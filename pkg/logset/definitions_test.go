package logset

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const definitionsYAML = `
logsets:
  - name: sdc_logs
    zones: [global]
    search_dirs: [/var/log/sdc/upload]
    regex: '^/var/log/sdc/upload/([a-zA-Z0-9-]+)_([0-9a-f-]+)_(\d{4})(\d{2})(\d{2})T(\d{2})\d{4}\.log$'
    manta_path: '/%u/stor/logs/%d/$1/#y/#m/#d/#H/%n.log'
    date_string: {y: $3, m: $4, d: $5, H: $6}
    date_adjustment: -1H
  - name: muskie
    zones: [webapi]
    search_dirs: [/var/log/manta/upload]
    regex: '^/var/log/manta/upload/muskie_([0-9a-f-]+)\.log$'
    manta_path: '/%u/stor/logs/%d/muskie/%z.log'
    debounce_time: 60
    retain_time: 3600
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(definitionsYAML))
	if err != nil {
		t.Fatalf("ParseDefinitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].DateString["H"] != "$6" || defs[0].DateString["d"] != "$5" {
		t.Fatalf("date_string keys decoded wrong: %v", defs[0].DateString)
	}
	if defs[1].DebounceTime == nil || *defs[1].DebounceTime != 60 {
		t.Fatalf("debounce not decoded")
	}
}

func TestParseDefinitionsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"empty":     "logsets: []",
		"no zones":  "logsets: [{name: a, search_dirs: [/x], regex: x, manta_path: x}]",
		"duplicate": "logsets: [{name: a, zones: [global], search_dirs: [/x], regex: x, manta_path: x}, {name: a, zones: [global], search_dirs: [/y], regex: y, manta_path: y}]",
		"bad yaml":  "logsets: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseDefinitions([]byte(doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestFormatForHost(t *testing.T) {
	defs, err := ParseDefinitions([]byte(definitionsYAML))
	if err != nil {
		t.Fatalf("ParseDefinitions: %v", err)
	}
	zones := []Zone{
		{UUID: "1f2e", Role: "webapi"},
		{UUID: "3a4b", Role: "moray"},
		{UUID: "5c6d", Role: "webapi"},
	}

	got := FormatForHost(defs, zones)
	type key struct{ Name, Zonename, Zonerole string }
	var keys []key
	for _, r := range got {
		keys = append(keys, key{r.Name, r.Zonename, r.Zonerole})
	}
	want := []key{
		{"sdc_logs", "global", "global"},
		{"muskie", "1f2e", "webapi"},
		{"muskie", "5c6d", "webapi"},
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
	if *got[0].DebounceTime != DefaultDebounce || *got[0].RetainTime != 0 {
		t.Fatalf("defaults not applied: %+v", got[0])
	}

	if _, err := Load(got); err != nil {
		t.Fatalf("formatted records should load: %v", err)
	}
}
