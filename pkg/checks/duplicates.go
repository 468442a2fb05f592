package checks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/harun/dqagent/pkg/dataset"
)

const maxDuplicateIDs = 200

// DuplicateReport is the output of check_duplicates.
type DuplicateReport struct {
	DuplicateCount int           `json:"duplicate_count"`
	DuplicateIDs   []interface{} `json:"duplicate_ids"`
}

// CheckDuplicates flags every row whose id_col value occurs more than once,
// first occurrences included. At most 200 ids are listed.
func CheckDuplicates(ctx context.Context, ds *dataset.Dataset, params map[string]interface{}) (interface{}, error) {
	idCol := stringParam(params, "id_col", "id")
	col, ok := ds.Column(idCol)
	if !ok {
		return nil, fmt.Errorf("id_col '%s' not in dataset", idCol)
	}

	keys := make([]string, col.Len())
	counts := make(map[string]int)
	for i := range keys {
		keys[i] = cellKey(col, i)
		counts[keys[i]]++
	}

	report := DuplicateReport{DuplicateIDs: []interface{}{}}
	for i, k := range keys {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if counts[k] < 2 {
			continue
		}
		report.DuplicateCount++
		if len(report.DuplicateIDs) < maxDuplicateIDs {
			report.DuplicateIDs = append(report.DuplicateIDs, cellValue(col, i))
		}
	}

	return report, nil
}

// cellKey makes equal values collide: numeric cells compare by value and all
// missing cells compare equal to each other.
func cellKey(col *dataset.Column, i int) string {
	if col.IsMissing(i) {
		return "\x00missing"
	}
	if v, ok := col.Float(i); ok {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return col.String(i)
}

func cellValue(col *dataset.Column, i int) interface{} {
	if col.IsMissing(i) {
		return nil
	}
	v, ok := col.Float(i)
	if !ok {
		return col.String(i)
	}
	if col.DType() == "int64" {
		return int64(v)
	}
	return v
}
