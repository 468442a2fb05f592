package checks

import (
	"context"
	"math"

	"github.com/harun/dqagent/pkg/dataset"
)

const (
	MethodIQR    = "iqr"
	MethodZScore = "zscore"

	iqrFactor = 1.5
	zeroStd   = 1e-12
)

// OutlierReport is the output of check_outliers. Method is omitted when the
// dataset has no numeric columns.
type OutlierReport struct {
	Method            string         `json:"method,omitempty"`
	OutliersPerColumn map[string]int `json:"outliers_per_column"`
}

// CheckOutliers counts outliers per numeric column. Method "iqr" flags values
// beyond 1.5 IQR from the quartiles; any other method uses |z| > z with the
// population standard deviation.
func CheckOutliers(ctx context.Context, ds *dataset.Dataset, params map[string]interface{}) (interface{}, error) {
	numeric := ds.NumericColumns()
	if len(numeric) == 0 {
		return OutlierReport{OutliersPerColumn: map[string]int{}}, nil
	}

	method := stringParam(params, "method", MethodIQR)
	z := floatParam(params, "z", 3.0)

	report := OutlierReport{Method: method, OutliersPerColumn: make(map[string]int, len(numeric))}
	for _, col := range numeric {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		values := col.Floats()
		if method == MethodIQR {
			report.OutliersPerColumn[col.Name] = countIQROutliers(values)
		} else {
			report.OutliersPerColumn[col.Name] = countZScoreOutliers(values, z)
		}
	}

	return report, nil
}

func countIQROutliers(values []float64) int {
	sorted := sortedCopy(values)
	q1, q3 := quantile(sorted, 0.25), quantile(sorted, 0.75)
	iqr := q3 - q1
	lower, upper := q1-iqrFactor*iqr, q3+iqrFactor*iqr

	n := 0
	for _, v := range values {
		if v < lower || v > upper {
			n++
		}
	}
	return n
}

func countZScoreOutliers(values []float64, z float64) int {
	m := mean(values)
	sd := stddev(values, 0)
	if sd == 0 {
		sd = zeroStd
	}

	n := 0
	for _, v := range values {
		if math.Abs((v-m)/sd) > z {
			n++
		}
	}
	return n
}
