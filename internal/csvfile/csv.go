package csvfile

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"catchment_api/internal/common"
)

// RequiredColumns is the fixed input schema, order-independent in the file.
var RequiredColumns = []string{"snp_id", "provider_id", "location_id", "location_gps", "drive_distance", "drive_time"}

const (
	geojsonColumn = "geojson"
	errorsColumn  = "errors"

	// Placeholder geometry written for rows that produced no polygon.
	EmptyGeoJSON = "{}"
)

// Document is a parsed input CSV. Header order and raw cell values are kept so
// the output file reproduces the input with the result columns appended.
type Document struct {
	header  []string
	records [][]string
	columns map[string]int
}

// Parse reads the raw CSV content. A parse failure is an admission error; the
// column set is checked separately so the structural-failure path can report
// the missing names.
func Parse(content []byte) (*Document, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = 0
	all, err := reader.ReadAll()
	if err != nil {
		return nil, common.Errorf("Failed to parse CSV: %v: %w", err, common.ErrBadRequest)
	}
	if len(all) == 0 {
		return nil, common.Errorf("CSV file is empty: %w", common.ErrBadRequest)
	}

	doc := &Document{
		header:  all[0],
		records: all[1:],
		columns: make(map[string]int, len(all[0])),
	}
	for i, name := range doc.header {
		doc.columns[strings.TrimSpace(name)] = i
	}
	return doc, nil
}

func (d *Document) RowCount() int {
	return len(d.records)
}

// MissingColumns returns required column names absent from the header, sorted.
func (d *Document) MissingColumns() []string {
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := d.columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	sort.Strings(missing)
	return missing
}

// Row materializes record i. Call only when MissingColumns is empty.
func (d *Document) Row(i int) Row {
	rec := d.records[i]
	get := func(col string) string {
		idx := d.columns[col]
		if idx >= len(rec) {
			return ""
		}
		return rec[idx]
	}
	return Row{
		SnpID:         get("snp_id"),
		ProviderID:    get("provider_id"),
		LocationID:    get("location_id"),
		LocationGPS:   get("location_gps"),
		DriveDistance: get("drive_distance"),
		DriveTime:     get("drive_time"),
	}
}

// HasDuplicateRows reports whether any two records are identical cell for cell.
func (d *Document) HasDuplicateRows() bool {
	seen := make(map[string]struct{}, len(d.records))
	for _, rec := range d.records {
		key := strings.Join(rec, "\x1f")
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
	}
	return false
}

// DuplicateLocationIDs returns every location_id value appearing more than
// once, sorted. Empty when the column is missing.
func (d *Document) DuplicateLocationIDs() []string {
	idx, ok := d.columns["location_id"]
	if !ok {
		return nil
	}
	counts := make(map[string]int, len(d.records))
	for _, rec := range d.records {
		if idx < len(rec) {
			counts[rec[idx]]++
		}
	}
	var dups []string
	for id, n := range counts {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	return dups
}

// WriteResult renders the output artifact: the input columns in their original
// order plus geojson and errors. geojsons and errs are indexed by original row
// position; both must have RowCount entries.
func (d *Document) WriteResult(geojsons []string, errs []string) ([]byte, error) {
	if len(geojsons) != len(d.records) || len(errs) != len(d.records) {
		return nil, fmt.Errorf("csvfile.WriteResult: result length mismatch (%d rows, %d geojsons, %d errors)",
			len(d.records), len(geojsons), len(errs))
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := append(append([]string{}, d.header...), geojsonColumn, errorsColumn)
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("csvfile.WriteResult header: %w", err)
	}
	for i, rec := range d.records {
		out := append(append([]string{}, rec...), geojsons[i], errs[i])
		if err := writer.Write(out); err != nil {
			return nil, fmt.Errorf("csvfile.WriteResult row %d: %w", i, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("csvfile.WriteResult flush: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteUniformError renders the output with the same error on every row, used
// for structural failures detected before row processing.
func (d *Document) WriteUniformError(message string) ([]byte, error) {
	geojsons := make([]string, len(d.records))
	errs := make([]string, len(d.records))
	for i := range d.records {
		geojsons[i] = EmptyGeoJSON
		errs[i] = message
	}
	return d.WriteResult(geojsons, errs)
}

// SampleCSV is the downloadable template shown to clients.
func SampleCSV() []byte {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	writer.Write(RequiredColumns)
	writer.Write([]string{"snp_1.com", "provider1", "L1", "28.5065162,77.073938", "500.5", ""})
	writer.Write([]string{"snp_2.com", "provider2", "L2", "30.7135305,76.7454157", "", "20.5"})
	writer.Flush()
	return buf.Bytes()
}
