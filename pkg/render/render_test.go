package render

import (
	"strings"
	"testing"
)

func TestBootstrap(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	script, err := e.Bootstrap(Bootstrap{
		HostUUID:  "44454c4c-3400-1046-8050-b4c04f383432",
		Version:   "20260101T000000Z",
		BundleURL: "http://coordinator:8080/bootstrap/agent.tar.zst",
		Server:    "coordinator:8080",
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	for _, want := range []string{
		"#!/bin/bash\n",
		"install_dir='/opt/logarchive/agent'",
		"unit='logarchive-agent.service'",
		`'http://coordinator:8080/bootstrap/agent.tar.zst'"?host=44454c4c-3400-1046-8050-b4c04f383432&request=${request_id}"`,
		`"server": "coordinator:8080"`,
		`"version_file": "/opt/logarchive/agent/.version"`,
		"printf '%s\\n' '20260101T000000Z'",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestBootstrapRequiresFields(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Bootstrap(Bootstrap{Version: "1"}); err == nil {
		t.Fatalf("expected error without host uuid")
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("shellQuote = %s", got)
	}
}
