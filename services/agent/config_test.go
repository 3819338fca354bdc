package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{Server: "10.0.0.5:8080"}, false},
		{"with uuid", Config{Server: "coord:8080", HostUUID: testHostUUID}, false},
		{"missing server", Config{}, true},
		{"missing port", Config{Server: "coord"}, true},
		{"bad uuid", Config{Server: "coord:8080", HostUUID: "not-a-uuid"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Server: "coord:8080", VersionFile: "/opt/agent/.version"}.withDefaults()
	if c.ZoneRoot != "/zones" || c.ServiceUnit != defaultServiceUnit || c.VersionFile != "/opt/agent/.version" {
		t.Fatalf("unexpected defaults %+v", c)
	}
	id, err := Config{HostUUID: "44454C4C-3400-1046-8050-B4C04F383432"}.hostUUID()
	if err != nil || id != testHostUUID {
		t.Fatalf("hostUUID = %q, %v", id, err)
	}
}

func TestReadVersion(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".version")
	if err := os.WriteFile(p, []byte("20260101T000000Z\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := readVersion(p)
	if err != nil || v != "20260101T000000Z" {
		t.Fatalf("readVersion = %q, %v", v, err)
	}

	empty := filepath.Join(dir, "empty")
	os.WriteFile(empty, nil, 0o644)
	if _, err := readVersion(empty); err == nil {
		t.Fatalf("expected error for empty version file")
	}
	if _, err := readVersion(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing version file")
	}
}

func TestNewServiceRejectsUnvalidatedConfig(t *testing.T) {
	dir := t.TempDir()
	version := filepath.Join(dir, ".version")
	if err := os.WriteFile(version, []byte("20260101T000000Z\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewService(&Config{Server: "coord:8080", HostUUID: "not-a-uuid", VersionFile: version}, nil); err == nil {
		t.Fatalf("expected error for malformed host uuid")
	}
	if _, err := NewService(&Config{Server: "coord:8080", HostUUID: testHostUUID, VersionFile: filepath.Join(dir, "missing")}, nil); err == nil {
		t.Fatalf("expected error for missing version file")
	}
}
