package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitespinner.yaml")
	writeFile(t, path, `
state_db: state/sitespinner.db
alias_paths:
  - aliases
  - /etc/drush
policy:
  dir: policies
  protected: [example.live]
execution:
  workers: 8
  max_retries: 1
  action_timeout: 20m
  lock_ttl: 1h
mysql:
  grant_host: localhost
telemetry:
  metrics:
    enabled: true
    textfile_path: /var/lib/node_exporter/sitespinner.prom
`)

	s, err := LoadSettings(path, false)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	if s.StateDB != filepath.Join(dir, "state", "sitespinner.db") {
		t.Errorf("expected state db relative to the settings file, got %s", s.StateDB)
	}
	if s.AliasPaths[0] != filepath.Join(dir, "aliases") || s.AliasPaths[1] != "/etc/drush" {
		t.Errorf("unexpected alias paths %v", s.AliasPaths)
	}
	if s.Policy.Dir != filepath.Join(dir, "policies") {
		t.Errorf("unexpected policy dir %s", s.Policy.Dir)
	}
	if s.Execution.Workers != 8 || s.Execution.ActionTimeout != 20*time.Minute || s.Execution.LockTTL != time.Hour {
		t.Errorf("unexpected execution settings %+v", s.Execution)
	}
	// Unset keys keep their defaults.
	if s.Execution.StarlarkTimeout != 30*time.Second {
		t.Errorf("expected default starlark timeout, got %v", s.Execution.StarlarkTimeout)
	}
	if s.SSH.Port != 22 {
		t.Errorf("expected default ssh port, got %d", s.SSH.Port)
	}
	if s.MySQL.GrantHost != "localhost" {
		t.Errorf("unexpected grant host %s", s.MySQL.GrantHost)
	}
	if s.Telemetry.Metrics.TextfilePath == "" || s.Telemetry.ServiceName != "sitespinner" {
		t.Errorf("unexpected telemetry %+v", s.Telemetry)
	}

	data := s.PolicyData()
	protected := data["protected"].([]interface{})
	if len(protected) != 1 || protected[0] != "example.live" {
		t.Errorf("unexpected policy data %v", data)
	}
}

func TestLoadSettingsMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitespinner.yaml")

	if _, err := LoadSettings(path, false); err == nil {
		t.Error("expected error for a required missing file")
	}

	s, err := LoadSettings(path, true)
	if err != nil {
		t.Fatalf("LoadSettings optional: %v", err)
	}
	if s.Execution.LockTTL != 2*time.Hour {
		t.Errorf("expected default lock ttl, got %v", s.Execution.LockTTL)
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Settings) {}},
		{name: "no alias paths", mutate: func(s *Settings) { s.AliasPaths = nil }, wantErr: "AliasPaths"},
		{name: "empty alias path", mutate: func(s *Settings) { s.AliasPaths = []string{""} }, wantErr: "AliasPaths[0]"},
		{name: "no state db", mutate: func(s *Settings) { s.StateDB = "" }, wantErr: "StateDB"},
		{name: "zero workers", mutate: func(s *Settings) { s.Execution.Workers = 0 }, wantErr: "Workers"},
		{name: "short lock ttl", mutate: func(s *Settings) { s.Execution.LockTTL = time.Second }, wantErr: "LockTTL"},
		{name: "bad ssh port", mutate: func(s *Settings) { s.SSH.Port = 70000 }, wantErr: "Port"},
		{name: "otlp without endpoint", mutate: func(s *Settings) {
			s.Telemetry.Tracing.Enabled = true
			s.Telemetry.Tracing.Exporter = "otlp"
			s.Telemetry.Tracing.Endpoint = ""
		}, wantErr: "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadSettingsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitespinner.yaml")
	writeFile(t, path, "execution: [\n")

	if _, err := LoadSettings(path, false); err == nil {
		t.Error("expected parse error")
	}
}
