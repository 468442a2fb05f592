package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Kind is the inferred type of a column.
type Kind string

const (
	KindNumeric Kind = "numeric"
	KindString  Kind = "string"
)

var missingMarkers = map[string]struct{}{
	"":     {},
	"NA":   {},
	"N/A":  {},
	"n/a":  {},
	"#N/A": {},
	"NaN":  {},
	"nan":  {},
	"-NaN": {},
	"null": {},
	"NULL": {},
	"None": {},
	"<NA>": {},
}

// IsMissing reports whether a raw cell is a missing-value marker.
func IsMissing(cell string) bool {
	_, ok := missingMarkers[strings.TrimSpace(cell)]
	return ok
}

// Column is one named column of a Dataset.
type Column struct {
	Name string
	Kind Kind

	raw     []string
	nums    []float64
	missing []bool
	integer bool
}

// Len returns the number of cells, missing ones included.
func (c *Column) Len() int { return len(c.raw) }

// IsMissing reports whether row i is missing.
func (c *Column) IsMissing(i int) bool { return c.missing[i] }

// String returns the raw text of row i.
func (c *Column) String(i int) string { return c.raw[i] }

// Float returns the numeric value of row i. ok is false for string columns and missing cells.
func (c *Column) Float(i int) (float64, bool) {
	if c.Kind != KindNumeric || c.missing[i] {
		return 0, false
	}
	return c.nums[i], true
}

// MissingCount returns the number of missing cells.
func (c *Column) MissingCount() int {
	n := 0
	for _, m := range c.missing {
		if m {
			n++
		}
	}
	return n
}

// Floats returns the non-missing numeric values in row order.
func (c *Column) Floats() []float64 {
	if c.Kind != KindNumeric {
		return nil
	}
	out := make([]float64, 0, len(c.nums))
	for i, v := range c.nums {
		if !c.missing[i] {
			out = append(out, v)
		}
	}
	return out
}

// DType names the column's storage type the way dataframe tools report it:
// int64 for whole numbers without gaps, float64 for other numerics, object otherwise.
func (c *Column) DType() string {
	switch {
	case c.Kind != KindNumeric:
		return "object"
	case c.integer && c.MissingCount() == 0:
		return "int64"
	default:
		return "float64"
	}
}

// Dataset is an immutable column-oriented table.
type Dataset struct {
	// Source is the path or label the data came from.
	Source string

	columns []*Column
	index   map[string]int
	rows    int
}

// Rows returns the number of data rows.
func (d *Dataset) Rows() int { return d.rows }

// ColumnNames returns column names in file order.
func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.columns))
	for i, c := range d.columns {
		names[i] = c.Name
	}
	return names
}

// Columns returns the columns in file order.
func (d *Dataset) Columns() []*Column {
	return append([]*Column(nil), d.columns...)
}

// Column looks a column up by exact name.
func (d *Dataset) Column(name string) (*Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return nil, false
	}
	return d.columns[i], true
}

// NumericColumns returns the numeric columns in file order.
func (d *Dataset) NumericColumns() []*Column {
	var out []*Column
	for _, c := range d.columns {
		if c.Kind == KindNumeric {
			out = append(out, c)
		}
	}
	return out
}

// New builds a Dataset from a header and row-major records.
// Short rows are padded with missing cells; long rows are an error.
func New(source string, header []string, records [][]string) (*Dataset, error) {
	if len(header) == 0 {
		return nil, errors.New("dataset has no columns")
	}

	d := &Dataset{
		Source:  source,
		columns: make([]*Column, len(header)),
		index:   make(map[string]int, len(header)),
		rows:    len(records),
	}

	for j, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", j)
		}
		if _, dup := d.index[name]; dup {
			return nil, fmt.Errorf("duplicate column name %q", name)
		}
		d.index[name] = j
		d.columns[j] = &Column{
			Name:    name,
			raw:     make([]string, len(records)),
			missing: make([]bool, len(records)),
		}
	}

	for i, rec := range records {
		if len(rec) > len(header) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", i+1, len(rec), len(header))
		}
		for j, col := range d.columns {
			cell := ""
			if j < len(rec) {
				cell = rec[j]
			}
			col.raw[i] = cell
			col.missing[i] = IsMissing(cell)
		}
	}

	for _, col := range d.columns {
		inferKind(col)
	}

	return d, nil
}

func inferKind(c *Column) {
	nums := make([]float64, len(c.raw))
	integer := true
	seen := 0
	for i, cell := range c.raw {
		if c.missing[i] {
			nums[i] = math.NaN()
			continue
		}
		s := strings.TrimSpace(cell)
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			c.Kind = KindString
			return
		}
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			integer = false
		}
		nums[i] = v
		seen++
	}

	// A column with no values at all carries no numbers; treat it as text like dataframe readers do.
	if seen == 0 {
		c.Kind = KindString
		return
	}

	c.Kind = KindNumeric
	c.nums = nums
	c.integer = integer
}

// ReadCSV reads a header row followed by data rows.
func ReadCSV(r io.Reader, source string) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: empty file", source)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", source, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var records [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" && len(header) > 1 {
			continue
		}
		records = append(records, rec)
	}

	return New(source, header, records)
}

// LoadCSV opens and reads a CSV file.
func LoadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, path)
}
