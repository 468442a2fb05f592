package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/dqagent/pkg/executor"
	"github.com/harun/dqagent/pkg/planner"
	"github.com/harun/dqagent/pkg/toolexecutor"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// render writes v as JSON or YAML, or calls text for the human format.
func render(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}

func writePlan(w io.Writer, plan *planner.ActionPlan) error {
	_, err := fmt.Fprintln(w, planner.FormatPlan(plan))
	return err
}

func writeResult(w io.Writer, result *executor.Result) error {
	var b strings.Builder
	if result.Plan != nil {
		b.WriteString(planner.FormatPlan(result.Plan))
		b.WriteString("\n\n")
	}
	if result.Empty {
		b.WriteString("No checks were planned for this request.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	for _, rec := range result.Records {
		fmt.Fprintf(&b, "Run #%d  %s  (%s)\n", rec.RunID, rec.ToolName, rec.Duration.Round(time.Millisecond))
		if out, err := json.MarshalIndent(rec.Output, "  ", "  "); err == nil {
			fmt.Fprintf(&b, "  %s\n", out)
		}
	}

	b.WriteString("\nReview:\n")
	b.WriteString(result.Summary)
	b.WriteString("\n")

	if len(result.Deferred) > 0 {
		b.WriteString("\nNot run (step policy \"" + string(result.StepPolicy) + "\"):\n")
		for _, step := range result.Deferred {
			fmt.Fprintf(&b, "  - %s\n", step.ToolName)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeTools(w io.Writer, tools []toolexecutor.ToolInfo) error {
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\n  %s\n", tool.Name, tool.Description)
		if len(tool.Aliases) > 0 {
			fmt.Fprintf(w, "  aliases: %s\n", strings.Join(tool.Aliases, ", "))
		}
		for _, p := range tool.Parameters {
			fmt.Fprintf(w, "  --%s (%s) %s", p.Name, p.Type, p.Description)
			if p.Default != nil {
				fmt.Fprintf(w, " [default %v]", p.Default)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}
