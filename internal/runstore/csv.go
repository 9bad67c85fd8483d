package runstore

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

const (
	colProceeding    = "proceeding"
	colURL           = "url"
	colYear          = "year"
	colMissingFields = "missing_fields"

	// legacyUnknown is the placeholder older crawls wrote for missing fields.
	legacyUnknown = "Unknown"
)

// Header is the column order of every shard and cumulative file.
var Header = []string{
	crawler.FieldTitle,
	crawler.FieldAuthors,
	crawler.FieldAbstract,
	colProceeding,
	colURL,
	colYear,
	colMissingFields,
}

// EncodeRecords renders records as CSV, header first. An empty slice still
// produces a header-only document.
func EncodeRecords(records []crawler.PaperRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteRecords(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteRecords writes the header and one row per record to w.
func WriteRecords(w io.Writer, records []crawler.PaperRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.Title.Value,
			r.Authors.Value,
			r.Abstract.Value,
			r.Proceeding,
			r.URL,
			r.Year,
			strings.Join(r.MissingFields(), ";"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row for %s: %w", r.URL, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ReadRecords parses a shard or cumulative CSV. Columns are matched by header
// name, so files written without missing_fields are accepted; in those files
// the legacy "Unknown" placeholder is read back as an absent field.
func ReadRecords(r io.Reader) ([]crawler.PaperRecord, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	if _, ok := index[colURL]; !ok {
		return nil, fmt.Errorf("csv header missing %q column", colURL)
	}
	cr.FieldsPerRecord = len(header)
	_, hasMissing := index[colMissingFields]

	var out []crawler.PaperRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(out)+1, err)
		}
		get := func(col string) string {
			if i, ok := index[col]; ok {
				return row[i]
			}
			return ""
		}
		missing := map[string]bool{}
		if hasMissing {
			for _, name := range strings.Split(get(colMissingFields), ";") {
				if name != "" {
					missing[name] = true
				}
			}
		}
		field := func(col string) crawler.Field {
			v := get(col)
			if hasMissing {
				if missing[col] {
					return crawler.Absent()
				}
				return crawler.Present(v)
			}
			if _, ok := index[col]; !ok || v == legacyUnknown {
				return crawler.Absent()
			}
			return crawler.Present(v)
		}
		out = append(out, crawler.PaperRecord{
			Title:      field(crawler.FieldTitle),
			Authors:    field(crawler.FieldAuthors),
			Abstract:   field(crawler.FieldAbstract),
			Proceeding: get(colProceeding),
			URL:        get(colURL),
			Year:       get(colYear),
		})
	}
	return out, nil
}
