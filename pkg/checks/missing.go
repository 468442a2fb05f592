package checks

import (
	"context"

	"github.com/harun/dqagent/pkg/dataset"
)

// MissingReport is the output of check_missing.
type MissingReport struct {
	Rows                int                `json:"rows"`
	MissingPerColumn    map[string]int     `json:"missing_per_column"`
	MissingPctPerColumn map[string]float64 `json:"missing_pct_per_column"`
	AllComplete         bool               `json:"all_complete"`
	ColumnsWithMissing  []string           `json:"columns_with_missing"`
}

// CheckMissing counts missing cells per column. A dataset without rows is complete.
func CheckMissing(ctx context.Context, ds *dataset.Dataset, _ map[string]interface{}) (interface{}, error) {
	report := MissingReport{
		Rows:                ds.Rows(),
		MissingPerColumn:    map[string]int{},
		MissingPctPerColumn: map[string]float64{},
		AllComplete:         true,
		ColumnsWithMissing:  []string{},
	}
	if ds.Rows() == 0 {
		return report, nil
	}

	for _, col := range ds.Columns() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := col.MissingCount()
		report.MissingPerColumn[col.Name] = n
		report.MissingPctPerColumn[col.Name] = round2(float64(n) / float64(ds.Rows()) * 100)
		if n > 0 {
			report.AllComplete = false
			report.ColumnsWithMissing = append(report.ColumnsWithMissing, col.Name)
		}
	}

	return report, nil
}
