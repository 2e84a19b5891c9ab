// Package dataset loads uploaded CSV files into an in-memory frame, summarizes them for the agents
// and builds default charts when the agents produce none.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// numericShare is the minimal share of parsable non-empty values for a column to be numeric
const numericShare = 0.7

// delimiters tried in order when reading a file
var delimiters = []rune{';', ',', '\t', '|'}

// ErrEmpty returned for files without a header or data rows
var ErrEmpty = errors.New("no data in file")

// Frame is a parsed CSV table, all values kept as strings
type Frame struct {
	Name      string
	Path      string
	Columns   []string
	Rows      [][]string
	Delimiter rune
	Encoding  string
}

// Parse decodes CSV content, detecting encoding (utf-8 or latin-1) and delimiter
func Parse(name string, data []byte) (*Frame, error) {
	text, encoding := decode(data)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("can't parse %s: %w", name, ErrEmpty)
	}

	var lastErr error
	for _, d := range delimiters {
		records, err := readAll(text, d)
		if err != nil {
			lastErr = err
			continue
		}
		if len(records) == 0 || len(records[0]) < 2 {
			continue
		}
		return newFrame(name, records, d, encoding)
	}

	// single column file, comma is as good as any
	records, err := readAll(text, ',')
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return nil, fmt.Errorf("can't parse %s: %w", name, err)
	}
	return newFrame(name, records, ',', encoding)
}

func newFrame(name string, records [][]string, d rune, encoding string) (*Frame, error) {
	if len(records) < 2 {
		return nil, fmt.Errorf("can't parse %s, header only: %w", name, ErrEmpty)
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		header[i] = h
	}

	rows := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		row := make([]string, len(header))
		for i := range row {
			if i < len(rec) {
				row[i] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("can't parse %s, no rows: %w", name, ErrEmpty)
	}
	return &Frame{Name: name, Columns: header, Rows: rows, Delimiter: d, Encoding: encoding}, nil
}

func readAll(text string, d rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = d
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	var res [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv with %q: %w", d, err)
		}
		res = append(res, rec)
	}
}

// decode returns utf-8 text, falling back to latin-1 for invalid input
func decode(data []byte) (text, encoding string) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}
	res, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return string(bytes.ToValidUTF8(data, []byte("?"))), "utf-8"
	}
	return string(res), "latin-1"
}

// Column returns values of the named column
func (f *Frame) Column(name string) ([]string, bool) {
	idx := f.index(name)
	if idx < 0 {
		return nil, false
	}
	res := make([]string, len(f.Rows))
	for i, row := range f.Rows {
		res[i] = row[idx]
	}
	return res, true
}

// IsNumeric reports whether most non-empty values of the column parse as numbers
func (f *Frame) IsNumeric(name string) bool {
	vals, ok := f.Column(name)
	if !ok {
		return false
	}
	total, parsed := 0, 0
	for _, v := range vals {
		if v == "" {
			continue
		}
		total++
		if _, ok := parseNumber(v); ok {
			parsed++
		}
	}
	return total > 0 && float64(parsed)/float64(total) >= numericShare
}

// NumericColumns returns numeric columns in header order
func (f *Frame) NumericColumns() []string {
	var res []string
	for _, c := range f.Columns {
		if f.IsNumeric(c) {
			res = append(res, c)
		}
	}
	return res
}

// CategoricalColumns returns non-numeric columns in header order
func (f *Frame) CategoricalColumns() []string {
	var res []string
	for _, c := range f.Columns {
		if !f.IsNumeric(c) {
			res = append(res, c)
		}
	}
	return res
}

// Numbers returns parsed values of a column, unparsable and empty values skipped
func (f *Frame) Numbers(name string) (vals []float64, missing int) {
	col, _ := f.Column(name)
	for _, v := range col {
		n, ok := parseNumber(v)
		if !ok {
			missing++
			continue
		}
		vals = append(vals, n)
	}
	return vals, missing
}

func (f *Frame) index(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// parseNumber accepts plain floats and decimal commas
func parseNumber(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n, true
	}
	if strings.Count(v, ",") == 1 && !strings.Contains(v, ".") {
		if n, err := strconv.ParseFloat(strings.Replace(v, ",", ".", 1), 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
