package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff/v5"
)

const definitions = `
logsets:
  - name: sdc_logs
    zones: [global]
    search_dirs: [/var/log/sdc/upload]
    regex: '^/var/log/sdc/upload/([a-z]+)\.log$'
    manta_path: '/%u/stor/logs/%d/$1/%n.log'
`

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logsets.yaml")

	_, err := loadDefinitions(path)
	var perm *backoff.PermanentError
	if !errors.Is(err, fs.ErrNotExist) || errors.As(err, &perm) {
		t.Fatalf("missing file should be retried, got %v", err)
	}

	if err := os.WriteFile(path, []byte(definitions), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := loadDefinitions(path)
	if err != nil || len(defs) != 1 {
		t.Fatalf("loadDefinitions = %v, %v", defs, err)
	}

	dup := definitions + `
  - name: sdc_logs
    zones: [global]
    search_dirs: [/var/log]
    regex: 'x'
    manta_path: '/x'
`
	if err := os.WriteFile(path, []byte(dup), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadDefinitions(path); !errors.As(err, &perm) {
		t.Fatalf("duplicate names should stop the coordinator, got %v", err)
	}
}
