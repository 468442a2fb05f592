package checks

import (
	"context"

	"github.com/harun/dqagent/pkg/dataset"
)

// SchemaReport is the output of inspect_schema.
type SchemaReport struct {
	Rows    int                               `json:"rows"`
	Columns []string                          `json:"columns"`
	DTypes  map[string]string                 `json:"dtypes"`
	Summary map[string]map[string]interface{} `json:"summary"`
}

// InspectSchema reports row count, column names, storage types and a
// descriptive summary per column.
func InspectSchema(ctx context.Context, ds *dataset.Dataset, _ map[string]interface{}) (interface{}, error) {
	report := SchemaReport{
		Rows:    ds.Rows(),
		Columns: ds.ColumnNames(),
		DTypes:  make(map[string]string),
		Summary: make(map[string]map[string]interface{}),
	}

	for _, col := range ds.Columns() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.DTypes[col.Name] = col.DType()
		if col.Kind == dataset.KindNumeric {
			report.Summary[col.Name] = describeNumeric(col)
		} else {
			report.Summary[col.Name] = describeText(col)
		}
	}

	return report, nil
}

func describeNumeric(col *dataset.Column) map[string]interface{} {
	values := col.Floats()
	sorted := sortedCopy(values)

	out := map[string]interface{}{
		"count": len(values),
		"mean":  finite(mean(values)),
		"std":   finite(stddev(values, 1)),
	}
	if len(sorted) > 0 {
		out["min"] = sorted[0]
		out["25%"] = quantile(sorted, 0.25)
		out["50%"] = quantile(sorted, 0.50)
		out["75%"] = quantile(sorted, 0.75)
		out["max"] = sorted[len(sorted)-1]
	}
	return out
}

func describeText(col *dataset.Column) map[string]interface{} {
	counts := make(map[string]int)
	var order []string
	for i := 0; i < col.Len(); i++ {
		if col.IsMissing(i) {
			continue
		}
		v := col.String(i)
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}

	total := 0
	top, freq := "", 0
	for _, v := range order {
		total += counts[v]
		if counts[v] > freq {
			top, freq = v, counts[v]
		}
	}

	out := map[string]interface{}{
		"count":  total,
		"unique": len(order),
	}
	if freq > 0 {
		out["top"] = top
		out["freq"] = freq
	}
	return out
}
