// Package render produces the scripts the coordinator dispatches to hosts.
package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// BootstrapTemplate installs or upgrades the agent on a host.
const BootstrapTemplate = "bootstrap.sh.tmpl"

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"shellquote": shellQuote,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Bootstrap describes one agent installation.
type Bootstrap struct {
	HostUUID   string
	Version    string
	BundleURL  string
	Server     string
	InstallDir string
	Unit       string
}

type agentConfig struct {
	Server      string `json:"server"`
	HostUUID    string `json:"host_uuid"`
	VersionFile string `json:"version_file"`
	ServiceUnit string `json:"service_unit"`
}

// Bootstrap renders the install script for b.
func (e *Engine) Bootstrap(b Bootstrap) (string, error) {
	switch {
	case b.HostUUID == "":
		return "", errors.New("host uuid is required")
	case b.Version == "":
		return "", errors.New("version is required")
	case b.BundleURL == "":
		return "", errors.New("bundle url is required")
	case b.Server == "":
		return "", errors.New("server is required")
	}
	if b.InstallDir == "" {
		b.InstallDir = "/opt/logarchive/agent"
	}
	if b.Unit == "" {
		b.Unit = "logarchive-agent.service"
	}

	cfg, err := json.MarshalIndent(agentConfig{
		Server:      b.Server,
		HostUUID:    b.HostUUID,
		VersionFile: strings.TrimRight(b.InstallDir, "/") + "/.version",
		ServiceUnit: b.Unit,
	}, "", "  ")
	if err != nil {
		return "", err
	}

	return e.Render(BootstrapTemplate, struct {
		Bootstrap
		AgentConfig string
	}{b, string(cfg)})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
