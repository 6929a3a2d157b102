package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestPlanner_BuildOrder(t *testing.T) {
	f := newFixture()
	plan, err := f.planner.Build(f.source, f.dest, PlanOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !reflect.DeepEqual(plan.Kinds(), ProvisionOrder) {
		t.Errorf("Kinds() = %v, want %v", plan.Kinds(), ProvisionOrder)
	}
	if plan.ID == "" || plan.Kind != RunKindProvision {
		t.Errorf("plan id=%q kind=%s", plan.ID, plan.Kind)
	}
	lines := plan.Describe()
	if len(lines) != 6 || !strings.HasPrefix(lines[0], "1. FetchLiveVariables: ") {
		t.Errorf("Describe() = %v", lines)
	}
}

func TestPlanner_IncompleteDestination(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(body map[string]interface{})
		wantField string
		wantPath  string
	}{
		{
			name:      "no database descriptor",
			mutate:    func(b map[string]interface{}) { delete(b, "databases") },
			wantField: "databases",
			wantPath:  "databases.database",
		},
		{
			name: "partial descriptor without password",
			mutate: func(b map[string]interface{}) {
				b["databases"] = map[string]interface{}{"default": map[string]interface{}{"default": map[string]interface{}{
					"driver": "mysql", "host": "localhost", "database": "peace", "username": "peace",
				}}}
			},
			wantField: "databases",
			wantPath:  "databases.password",
		},
		{
			name:      "missing root",
			mutate:    func(b map[string]interface{}) { delete(b, "root") },
			wantField: "root",
			wantPath:  "root",
		},
		{
			name:      "missing files path",
			mutate:    func(b map[string]interface{}) { delete(b, "path-aliases") },
			wantField: "path-aliases",
			wantPath:  "path-aliases.%files",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := destinationBody()
			tt.mutate(body)
			f := newFixture()

			_, err := f.planner.Build(f.source, resolve("peace", body), PlanOptions{})

			var incomplete *IncompleteDestinationError
			if !errors.As(err, &incomplete) {
				t.Fatalf("Build() error = %v, want IncompleteDestinationError", err)
			}
			if incomplete.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", incomplete.Field, tt.wantField)
			}
			found := false
			for _, m := range incomplete.Missing {
				if m == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("Missing = %v, want it to contain %q", incomplete.Missing, tt.wantPath)
			}
		})
	}
}

func TestPlanner_PartiallyInheritedDatabase(t *testing.T) {
	f := newFixture()
	parent := destinationBody()
	parent["databases"] = map[string]interface{}{"default": map[string]interface{}{"default": map[string]interface{}{
		"driver": "mysql", "host": "localhost", "username": "peace",
	}}}
	child := map[string]interface{}{
		"parent": "@base",
		"databases": map[string]interface{}{"default": map[string]interface{}{"default": map[string]interface{}{
			"database": "peace",
		}}},
	}
	docs := []struct {
		name string
		body map[string]interface{}
	}{{"base", parent}, {"peace", child}}

	store := mustStore(t, docs[0].name, docs[0].body, docs[1].name, docs[1].body)
	dest, err := newTestResolver(store).Resolve("peace")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	_, err = f.planner.Build(f.source, dest, PlanOptions{})
	var incomplete *IncompleteDestinationError
	if !errors.As(err, &incomplete) || incomplete.Field != "databases" {
		t.Fatalf("Build() error = %v, want IncompleteDestinationError naming databases", err)
	}
	if !reflect.DeepEqual(incomplete.Missing, []string{"databases.password"}) {
		t.Errorf("Missing = %v", incomplete.Missing)
	}
}

func TestPlanner_IncompleteSource(t *testing.T) {
	f := newFixture()
	body := templateBody()
	delete(body, "db-url")

	_, err := f.planner.Build(resolve("template", body), f.dest, PlanOptions{})
	var incomplete *IncompleteSourceError
	if !errors.As(err, &incomplete) || incomplete.Field != "databases" {
		t.Fatalf("Build() error = %v, want IncompleteSourceError naming databases", err)
	}
}

func TestPlanner_InvalidBinding(t *testing.T) {
	f := newFixture()
	body := destinationBody()
	body["destination-config"].(map[string]interface{})["domain-binding"] = map[string]interface{}{"type": "vhost", "name": "x"}

	_, err := f.planner.Build(f.source, resolve("peace", body), PlanOptions{})
	var incomplete *IncompleteDestinationError
	if !errors.As(err, &incomplete) || incomplete.Field != "domain-binding" {
		t.Fatalf("Build() error = %v, want domain-binding error", err)
	}
}

func TestPlanner_DifferentHostsRejected(t *testing.T) {
	f := newFixture()
	body := destinationBody()
	body["remote-host"] = "web2.example.com"

	_, err := f.planner.Build(f.source, resolve("peace", body), PlanOptions{})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeValidation {
		t.Fatalf("Build() error = %v, want validation error", err)
	}
}

func TestPlanner_BuildIsSideEffectFree(t *testing.T) {
	f := newFixture()
	body := destinationBody()
	delete(body, "databases")

	_, _ = f.planner.Build(f.source, resolve("peace", body), PlanOptions{})
	_, _ = f.planner.Build(f.source, f.dest, PlanOptions{})

	if len(f.db.calls) != 0 {
		t.Errorf("database calls during Build: %v", f.db.calls)
	}
}

func TestSiteDirectory(t *testing.T) {
	tests := []struct {
		settings string
		want     string
	}{
		{"/var/www/sites/peace/settings.php", "/var/www/sites/peace"},
		{"/var/www/sites/default/settings.php", ""},
		{"/etc/drupal/peace/settings.php", ""},
	}
	for _, tt := range tests {
		if got := siteDirectory("/var/www", tt.settings); got != tt.want {
			t.Errorf("siteDirectory(%q) = %q, want %q", tt.settings, got, tt.want)
		}
	}
}
