package config

import (
	"context"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "port = 3300 + 6\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["port"] != int64(3306) {
					t.Errorf("expected port=3306, got %v", sr.Output["port"])
				}
			},
		},
		{
			name:   "reads env input",
			script: `root = "/var/www/" + env["SITE"]` + "\n",
			input: map[string]interface{}{
				"env": map[string]string{"SITE": "prod"},
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["root"] != "/var/www/prod" {
					t.Errorf("expected root=/var/www/prod, got %v", sr.Output["root"])
				}
			},
		},
		{
			name: "helper functions are not exported",
			script: `
def site(name):
    return {"uri": name + ".example.com"}

aliases = {n: site(n) for n in ["a", "b"]}
_scratch = 1
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["site"]; ok {
					t.Error("function site should not be exported")
				}
				if _, ok := sr.Output["_scratch"]; ok {
					t.Error("underscore globals should not be exported")
				}
				aliases, ok := sr.Output["aliases"].(map[string]interface{})
				if !ok || len(aliases) != 2 {
					t.Fatalf("expected 2 aliases, got %#v", sr.Output["aliases"])
				}
				b := aliases["b"].(map[string]interface{})
				if b["uri"] != "b.example.com" {
					t.Errorf("expected b.example.com, got %v", b["uri"])
				}
			},
		},
		{
			name: "range enumerate and zip",
			script: `
hosts = [h for _, h in enumerate(["db1", "db2"])]
pairs = zip(["a", "b"], [1, 2])
shards = ["shard%d" % i for i in range(4, 0, -2)]
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				shards := sr.Output["shards"].([]interface{})
				if len(shards) != 2 || shards[0] != "shard4" || shards[1] != "shard2" {
					t.Errorf("unexpected shards %v", shards)
				}
				hosts := sr.Output["hosts"].([]interface{})
				if len(hosts) != 2 || hosts[1] != "db2" {
					t.Errorf("unexpected hosts %v", hosts)
				}
				pairs := sr.Output["pairs"].([]interface{})
				second := pairs[1].([]interface{})
				if second[0] != "b" || second[1] != int64(2) {
					t.Errorf("unexpected pair %v", second)
				}
			},
		},
		{
			name:   "struct values become maps",
			script: `db = struct(host = "localhost", port = 3306)` + "\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				db := sr.Output["db"].(map[string]interface{})
				if db["host"] != "localhost" || db["port"] != int64(3306) {
					t.Errorf("unexpected struct conversion %v", db)
				}
			},
		},
		{
			name:    "syntax error",
			script:  "aliases = {\n",
			wantErr: true,
		},
		{
			name:    "undefined name",
			script:  "root = undefined_variable\n",
			wantErr: true,
		},
		{
			name:    "fail builtin",
			script:  `fail("missing SITE")` + "\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if result == nil || result.Error == "" {
					t.Error("expected error in result")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	script := `
def spin():
    total = 0
    for i in range(10000):
        for j in range(10000):
            total = total + j
    return total

output = spin()
`

	result, err := evaluator.Evaluate(context.Background(), "slow.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result == nil || result.Error == "" {
		t.Error("expected timeout error in result")
	}
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := evaluator.Evaluate(ctx, "x.star", "x = 1\n", nil)
	// The script may win the race against the cancelled context.
	if err != nil && result.Error != "execution cancelled" {
		t.Errorf("expected cancellation message, got %q", result.Error)
	}
}

func TestStarlarkEvaluator_PrintSuppressed(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	script := `
print("this should not appear")
result = "done"
`

	result, err := evaluator.Evaluate(context.Background(), "print.star", script, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
}
