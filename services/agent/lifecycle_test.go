package agent

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestSystemdCommands(t *testing.T) {
	var calls [][]string
	s := &systemd{unit: "logarchive-agent.service", run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return nil, nil
	}}

	if err := s.Redeploy(context.Background()); err != nil {
		t.Fatalf("Redeploy: %v", err)
	}
	if err := s.Disable(context.Background()); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	want := [][]string{
		{"systemctl", "--no-block", "restart", "logarchive-agent.service"},
		{"systemctl", "--no-block", "disable", "--now", "logarchive-agent.service"},
	}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestSystemdErrorIncludesOutput(t *testing.T) {
	s := &systemd{unit: "x.service", run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte("Unit x.service not loaded.\n"), errors.New("exit status 5")
	}}
	err := s.Disable(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not loaded") {
		t.Fatalf("unexpected error %v", err)
	}
}
