package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/sitespinner/sitespinner/pkg/alias"
	"github.com/sitespinner/sitespinner/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run and marks a likely data-loss scenario.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	Enabled bool     `json:"enabled"`
	Tags    []string `json:"tags,omitempty"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Alias    string   `json:"alias,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

func (v Violation) String() string {
	if v.Alias != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", v.Severity, v.Policy, v.Message, v.Alias)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking findings, including evaluation errors of
	// individual policies.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Err returns a *DeniedError when the plan is not allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &DeniedError{Violations: r.Violations}
}

// DeniedError reports that policies blocked a plan.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Severity.Blocking() {
			msgs = append(msgs, v.Policy+": "+v.Message)
		}
	}
	return "plan denied by policy: " + strings.Join(msgs, "; ")
}

// Input is the document policies see as input.
type Input struct {
	Plan    PlanInput `json:"plan"`
	Context *Context  `json:"context"`
}

// PlanInput describes a plan without credentials.
type PlanInput struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Actions     []ActionInput `json:"actions"`
	Source      *SiteInput    `json:"source,omitempty"`
	Destination *SiteInput    `json:"destination"`
}

// ActionInput is one planned action.
type ActionInput struct {
	Position    int    `json:"position"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// SiteInput is the credential-free view of a resolved alias.
type SiteInput struct {
	Name       string         `json:"name"`
	Chain      []string       `json:"chain"`
	Root       string         `json:"root,omitempty"`
	URI        string         `json:"uri,omitempty"`
	Files      string         `json:"files,omitempty"`
	Settings   string         `json:"settings,omitempty"`
	RemoteHost string         `json:"remote_host,omitempty"`
	Database   *DatabaseInput `json:"database,omitempty"`
	Binding    *BindingInput  `json:"binding,omitempty"`
	Variables  []string       `json:"variables,omitempty"`
}

// DatabaseInput omits the password.
type DatabaseInput struct {
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Prefix   string `json:"prefix,omitempty"`

	// Prefixes lists per-table prefixes, such as tables shared with another site.
	Prefixes map[string]string `json:"prefixes,omitempty"`
}

// BindingInput is the destination's domain binding.
type BindingInput struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// User is the local user running the command.
	User string `json:"user,omitempty"`

	// Environment is the deployment environment from the tool settings.
	Environment string `json:"environment,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Overwrite bool      `json:"overwrite"`
	DryRun    bool      `json:"dry_run"`
}

// NewInput builds the policy input for plan.
func NewInput(plan *engine.Plan, pctx *Context) *Input {
	if pctx == nil {
		pctx = &Context{}
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = time.Now()
	}

	in := &Input{
		Plan: PlanInput{
			ID:          plan.ID,
			Kind:        string(plan.Kind),
			Actions:     make([]ActionInput, len(plan.Actions)),
			Source:      siteInput(plan.Source, false),
			Destination: siteInput(plan.Destination, true),
		},
		Context: pctx,
	}
	for i, a := range plan.Actions {
		in.Plan.Actions[i] = ActionInput{
			Position:    i + 1,
			Kind:        string(a.Kind()),
			Description: a.Describe(),
		}
	}
	return in
}

func siteInput(a *alias.ResolvedAlias, destination bool) *SiteInput {
	if a == nil {
		return nil
	}
	host, _ := a.Remote()
	site := &SiteInput{
		Name:       a.Name,
		Chain:      a.Chain,
		Root:       a.Root(),
		URI:        a.URI(),
		Files:      a.FilesPath(),
		RemoteHost: host,
	}
	if db, found, err := a.Database(); err == nil && found {
		site.Database = &DatabaseInput{
			Driver:   db.Driver,
			Host:     db.Host,
			Port:     db.Port,
			Name:     db.Name,
			Username: db.Username,
			Prefix:   db.Prefix,
			Prefixes: db.Prefixes,
		}
	}
	if !destination {
		return site
	}

	site.Settings = a.SettingsPath()
	if cfg, err := a.Destination(); err == nil {
		site.Binding = &BindingInput{Type: string(cfg.Binding.Type), Name: cfg.Binding.Name}
		site.Variables = cfg.Variables.Keys()
	}
	return site
}
