package checks

import (
	"fmt"
	"math"

	"github.com/harun/dqagent/pkg/toolexecutor"
)

// AliasPrefix is prepended to every canonical name to form its knowledge-base alias.
const AliasPrefix = "tool:"

// Definitions returns the built-in checks keyed by canonical name.
func Definitions() map[string]toolexecutor.ToolDefinition {
	return map[string]toolexecutor.ToolDefinition{
		"inspect_schema": {
			Description: "Report row count, columns, storage types and a descriptive summary per column.",
			Handler:     InspectSchema,
		},
		"check_missing": {
			Description: "Count missing values per column with percentages and the list of incomplete columns.",
			Handler:     CheckMissing,
		},
		"check_duplicates": {
			Description: "Find rows whose identifier value occurs more than once.",
			Handler:     CheckDuplicates,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "id_col", Type: "string", Description: "Identifier column", Default: "id"},
			},
		},
		"check_outliers": {
			Description: "Count outliers per numeric column using the IQR rule or z-scores.",
			Handler:     CheckOutliers,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "method", Type: "string", Description: "iqr or zscore", Default: MethodIQR},
				{Name: "z", Type: "number", Description: "z-score threshold", Default: 3.0},
			},
		},
	}
}

// RegisterDefaults registers every built-in check under its canonical name and
// the "tool:" alias used by knowledge-base ids.
func RegisterDefaults(reg *toolexecutor.Registry) error {
	defs := Definitions()
	for _, name := range []string{"inspect_schema", "check_missing", "check_duplicates", "check_outliers"} {
		def := defs[name]
		if err := reg.Register(name, def, AliasPrefix+name); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		if !math.IsNaN(v) {
			return v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}
