// Package dataset loads tabular data for data-quality checks.
//
// A Dataset is an immutable, column-oriented table read from CSV. Every
// column has an inferred Kind (numeric or string) and explicit missing
// markers, so checks never have to re-parse cell text.
//
// Invariants:
//   - A Dataset is never mutated after construction; checks share it freely.
//   - A column is numeric only when every non-missing cell parses as a float.
//   - Empty cells and the usual NA spellings (NA, NaN, null, None, N/A) are missing.
//
// Usage:
//
//	ds, err := dataset.LoadCSV("credit_risk_dataset.csv")
//	col, ok := ds.Column("person_income")
//
// Loaders decide freshness. FileLoader reads the file on every call; Cache
// keeps the last Dataset until fsnotify reports a change to the file.
package dataset
