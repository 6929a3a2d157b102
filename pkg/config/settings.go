package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sitespinner/sitespinner/pkg/telemetry"
)

// DefaultSettingsFile is looked up in the working directory when no --config is given.
const DefaultSettingsFile = "sitespinner.yaml"

// Settings is the tool configuration read from sitespinner.yaml.
type Settings struct {
	// StateDB is the SQLite file holding the run journal and destination locks.
	StateDB string `yaml:"state_db" validate:"required"`

	// AliasPaths are alias files or directories searched for alias files.
	AliasPaths []string `yaml:"alias_paths" validate:"required,min=1,dive,required"`

	Policy    PolicySettings    `yaml:"policy"`
	Execution ExecutionSettings `yaml:"execution"`
	MySQL     MySQLSettings     `yaml:"mysql"`
	SSH       SSHSettings       `yaml:"ssh"`
	Telemetry telemetry.Config  `yaml:"telemetry"`
}

// PolicySettings configures the plan policy gate.
type PolicySettings struct {
	// Dir holds additional .rego or .json policies. Optional.
	Dir string `yaml:"dir"`

	// Protected lists destination aliases that may never be provisioned over or deleted.
	Protected []string `yaml:"protected" validate:"dive,required"`

	// Disabled lists policy names to skip.
	Disabled []string `yaml:"disabled" validate:"dive,required"`
}

// ExecutionSettings tunes the executor.
type ExecutionSettings struct {
	// Workers is the number of parallel file copy workers.
	Workers int `yaml:"workers" validate:"min=1,max=64"`

	// MaxRetries bounds retries of transient collaborator failures per action.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`

	// ActionTimeout bounds one action attempt; zero disables the limit.
	ActionTimeout time.Duration `yaml:"action_timeout" validate:"min=0"`

	// LockTTL is how long a destination lock survives a crashed holder.
	LockTTL time.Duration `yaml:"lock_ttl" validate:"min=1m"`

	// Overwrite lets provisioning reuse an existing destination database and files directory.
	Overwrite bool `yaml:"overwrite"`

	// StarlarkTimeout bounds the evaluation of each Starlark alias file.
	StarlarkTimeout time.Duration `yaml:"starlark_timeout" validate:"min=0"`
}

// MySQLSettings configures the mysql database engine.
type MySQLSettings struct {
	DumpCommand    string        `yaml:"dump_command"`
	ClientCommand  string        `yaml:"client_command"`
	GrantHost      string        `yaml:"grant_host"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=0"`
}

// SSHSettings configures connections to aliases with a remote-host.
type SSHSettings struct {
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	PrivateKeyPath string        `yaml:"private_key"`
	UseAgent       bool          `yaml:"use_agent"`
	KnownHostsPath string        `yaml:"known_hosts"`
	Insecure       bool          `yaml:"insecure_ignore_host_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=0"`
	UseSudo        bool          `yaml:"use_sudo"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		StateDB:    filepath.Join(".sitespinner", "state.db"),
		AliasPaths: []string{"aliases"},
		Execution: ExecutionSettings{
			Workers:         4,
			MaxRetries:      3,
			LockTTL:         2 * time.Hour,
			StarlarkTimeout: 30 * time.Second,
		},
		MySQL: MySQLSettings{
			GrantHost:      "%",
			ConnectTimeout: 10 * time.Second,
		},
		SSH: SSHSettings{
			Port:           22,
			KnownHostsPath: filepath.Join(home, ".ssh", "known_hosts"),
			ConnectTimeout: 30 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadSettings reads path over the defaults. A missing file is an error unless
// optional is set, in which case the defaults are returned.
func LoadSettings(path string, optional bool) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return s, s.Validate()
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	// Relative paths are taken relative to the settings file.
	base := filepath.Dir(path)
	s.StateDB = resolvePath(base, s.StateDB)
	for i, p := range s.AliasPaths {
		s.AliasPaths[i] = resolvePath(base, p)
	}
	if s.Policy.Dir != "" {
		s.Policy.Dir = resolvePath(base, s.Policy.Dir)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return p
	}
	return filepath.Join(base, p)
}

var settingsValidator = validator.New()

// Validate checks struct constraints and the telemetry section.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// PolicyData is the data document handed to the policy engine.
func (s *Settings) PolicyData() map[string]interface{} {
	protected := make([]interface{}, len(s.Policy.Protected))
	for i, p := range s.Policy.Protected {
		protected[i] = p
	}
	return map[string]interface{}{"protected": protected}
}
