package planner

import (
	"encoding/json"
	"fmt"

	"github.com/harun/dqagent/pkg/agent"
)

// ActionPlan is the validated output of one planning call.
type ActionPlan struct {
	Query           string     `json:"query" yaml:"query"`
	Intent          string     `json:"intent" yaml:"intent"`
	Steps           []PlanStep `json:"steps" yaml:"steps"`
	ExpectedOutputs []string   `json:"expected_outputs,omitempty" yaml:"expected_outputs,omitempty"`
	Confidence      float64    `json:"confidence" yaml:"confidence"`
}

// Empty reports whether the plan has no steps to run.
func (p *ActionPlan) Empty() bool {
	return p == nil || len(p.Steps) == 0
}

// ToolNames returns the tool name of every step in order.
func (p *ActionPlan) ToolNames() []string {
	names := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		names = append(names, s.ToolName)
	}
	return names
}

// PlanStep is one planned tool invocation. Fields the model adds beyond the
// known ones are kept verbatim in Extra and written back on marshal.
type PlanStep struct {
	ToolName  string
	Rationale string
	Inputs    map[string]interface{}
	Extra     map[string]json.RawMessage
}

const (
	fieldToolName  = "tool_name"
	fieldRationale = "rationale"
	fieldInputs    = "inputs"
)

// UnmarshalJSON implements json.Unmarshaler.
func (s *PlanStep) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = PlanStep{Inputs: map[string]interface{}{}}
	for key, value := range raw {
		switch key {
		case fieldToolName:
			if err := json.Unmarshal(value, &s.ToolName); err != nil {
				return fmt.Errorf("%s: %w", fieldToolName, err)
			}
		case fieldRationale:
			if err := json.Unmarshal(value, &s.Rationale); err != nil {
				return fmt.Errorf("%s: %w", fieldRationale, err)
			}
		case fieldInputs:
			var inputs map[string]interface{}
			if err := json.Unmarshal(value, &inputs); err != nil {
				return fmt.Errorf("%s: %w", fieldInputs, err)
			}
			if inputs != nil {
				s.Inputs = inputs
			}
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]json.RawMessage)
			}
			s.Extra[key] = value
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s PlanStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.fields(func(v json.RawMessage) interface{} { return v }))
}

// MarshalYAML renders extra fields as decoded values rather than raw bytes.
func (s PlanStep) MarshalYAML() (interface{}, error) {
	return s.fields(func(v json.RawMessage) interface{} {
		var decoded interface{}
		if err := json.Unmarshal(v, &decoded); err != nil {
			return string(v)
		}
		return decoded
	}), nil
}

func (s PlanStep) fields(extra func(json.RawMessage) interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = extra(v)
	}
	inputs := s.Inputs
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	out[fieldToolName] = s.ToolName
	out[fieldRationale] = s.Rationale
	out[fieldInputs] = inputs
	return out
}

// ActionPlanSchema constrains model output for planning. Steps accept unknown
// fields; tool names are checked against the registry only at execution time.
var ActionPlanSchema = agent.MustSchema("action_plan", map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"query", "intent", "steps", "confidence"},
	"properties": map[string]interface{}{
		"query": map[string]interface{}{
			"type":        "string",
			"description": "the user request, echoed",
		},
		"intent": map[string]interface{}{
			"type":        "string",
			"description": "what the user wants to achieve",
		},
		"steps": map[string]interface{}{
			"type":        "array",
			"description": "tool invocations in execution order",
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{fieldToolName, fieldRationale},
				"properties": map[string]interface{}{
					fieldToolName: map[string]interface{}{
						"type":        "string",
						"minLength":   1,
						"description": "tool id or name (e.g., check_duplicates)",
					},
					fieldRationale: map[string]interface{}{
						"type": "string",
					},
					fieldInputs: map[string]interface{}{
						"type":                 "object",
						"additionalProperties": true,
					},
				},
				"additionalProperties": true,
			},
		},
		"expected_outputs": map[string]interface{}{
			"type":  []interface{}{"array", "null"},
			"items": map[string]interface{}{"type": "string"},
		},
		"confidence": map[string]interface{}{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
	},
})
