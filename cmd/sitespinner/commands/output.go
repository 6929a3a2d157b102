package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sitespinner/sitespinner/pkg/engine"
	"github.com/sitespinner/sitespinner/pkg/policy"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// reportView adds the error texts that ExecutionReport keeps out of its JSON form.
type reportView struct {
	*engine.ExecutionReport
	Error            string   `json:"error,omitempty"`
	UndoFailures     []string `json:"undo_failures,omitempty"`
	DeletionFailures []string `json:"deletion_failures,omitempty"`
}

func newReportView(r *engine.ExecutionReport) reportView {
	v := reportView{ExecutionReport: r}
	if r.Cause != nil {
		v.Error = r.Cause.Error()
	}
	for _, u := range r.UndoFailures {
		v.UndoFailures = append(v.UndoFailures, u.Error())
	}
	for _, d := range r.DeletionFailures {
		v.DeletionFailures = append(v.DeletionFailures, d.Error())
	}
	return v
}

func printReport(w io.Writer, r *engine.ExecutionReport, asJSON bool) error {
	if asJSON {
		return writeJSON(w, newReportView(r))
	}

	target := r.Destination
	if r.Source != "" {
		target = r.Source + " -> " + r.Destination
	}
	fmt.Fprintf(w, "Run %s (%s %s): %s in %s\n", r.RunID, r.Kind, target, r.Status, r.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, a := range r.Actions {
		undo := ""
		if a.Undo != engine.UndoStatusNone {
			undo = "undo: " + string(a.Undo)
		}
		fmt.Fprintf(tw, "  %d.\t%s\t%s\t%s\t%s\n", a.Position, a.Kind, a.Status, a.Duration.Round(time.Millisecond), undo)
	}
	tw.Flush()

	if r.BoundURI != "" {
		fmt.Fprintf(w, "Site available at %s\n", r.BoundURI)
	}
	if r.Cause != nil {
		fmt.Fprintf(w, "Error: %v\n", r.Cause)
	}
	for _, d := range r.DeletionFailures {
		if d != r.Cause {
			fmt.Fprintf(w, "Error: %v\n", d)
		}
	}
	for _, u := range r.UndoFailures {
		fmt.Fprintf(w, "Undo failed: %v\n", u)
	}
	if len(r.Leftovers) > 0 {
		fmt.Fprintln(w, "Needs manual cleanup:")
		for _, a := range r.Leftovers {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}
	return nil
}

// planView is the JSON form of a plan and its policy result.
type planView struct {
	ID          string         `json:"id"`
	Kind        engine.RunKind `json:"kind"`
	Source      string         `json:"source,omitempty"`
	Destination string         `json:"destination"`
	Actions     []string       `json:"actions"`
	Policy      *policy.Result `json:"policy,omitempty"`
}

func printPlan(w io.Writer, plan *engine.Plan, result *policy.Result, asJSON bool) error {
	if asJSON {
		v := planView{
			ID:          plan.ID,
			Kind:        plan.Kind,
			Destination: plan.Destination.Name,
			Actions:     plan.Describe(),
			Policy:      result,
		}
		if plan.Source != nil {
			v.Source = plan.Source.Name
		}
		return writeJSON(w, v)
	}

	if plan.Source != nil {
		fmt.Fprintf(w, "Plan %s: %s %s -> %s\n", plan.ID, plan.Kind, plan.Source.Name, plan.Destination.Name)
	} else {
		fmt.Fprintf(w, "Plan %s: %s %s\n", plan.ID, plan.Kind, plan.Destination.Name)
	}
	for _, line := range plan.Describe() {
		fmt.Fprintf(w, "  %s\n", line)
	}
	if result == nil {
		return nil
	}
	for _, v := range result.Violations {
		fmt.Fprintf(w, "Policy: %s\n", v)
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "Policy: %s\n", v)
	}
	if result.Allowed {
		fmt.Fprintf(w, "Policies: allowed (%d evaluated)\n", len(result.EvaluatedPolicies))
	} else {
		fmt.Fprintln(w, "Policies: denied")
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
