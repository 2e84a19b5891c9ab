package dataset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
)

const (
	sampleRows = 5
	topValues  = 10
)

// Summary describes a frame for the agents and the UI
type Summary struct {
	Name             string                      `json:"name"`
	NumRows          int                         `json:"num_rows"`
	NumCols          int                         `json:"num_cols"`
	Columns          []string                    `json:"columns"`
	ColumnTypes      map[string]string           `json:"column_types"`
	NumericStats     map[string]NumericStats     `json:"numeric_stats"`
	CategoricalStats map[string]CategoricalStats `json:"categorical_stats"`
	SampleData       []map[string]string         `json:"sample_data"`
}

// NumericStats holds descriptive statistics of a numeric column
type NumericStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	Median  float64 `json:"median"`
	Std     float64 `json:"std"`
	Missing int     `json:"missing"`
}

// CategoricalStats holds value counts of a categorical column
type CategoricalStats struct {
	UniqueValues int          `json:"unique_values"`
	TopValues    []ValueCount `json:"top_values"`
	Missing      int          `json:"missing"`
}

// ValueCount is a value with its number of occurrences
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Summarize computes the summary of the frame
func (f *Frame) Summarize() Summary {
	res := Summary{
		Name:             f.Name,
		NumRows:          len(f.Rows),
		NumCols:          len(f.Columns),
		Columns:          append([]string(nil), f.Columns...),
		ColumnTypes:      make(map[string]string, len(f.Columns)),
		NumericStats:     map[string]NumericStats{},
		CategoricalStats: map[string]CategoricalStats{},
	}

	for _, c := range f.Columns {
		if f.IsNumeric(c) {
			res.ColumnTypes[c] = "numeric"
			res.NumericStats[c] = f.numericStats(c)
			continue
		}
		res.ColumnTypes[c] = "categorical"
		res.CategoricalStats[c] = f.categoricalStats(c)
	}

	for i := 0; i < len(f.Rows) && i < sampleRows; i++ {
		row := make(map[string]string, len(f.Columns))
		for j, c := range f.Columns {
			row[c] = f.Rows[i][j]
		}
		res.SampleData = append(res.SampleData, row)
	}
	return res
}

func (f *Frame) numericStats(col string) NumericStats {
	vals, missing := f.Numbers(col)
	res := NumericStats{Missing: missing}
	if len(vals) == 0 {
		return res
	}
	data := stats.Float64Data(vals)
	res.Min, _ = data.Min()
	res.Max, _ = data.Max()
	if v, err := data.Mean(); err == nil {
		res.Mean, _ = stats.Round(v, 4)
	}
	res.Median, _ = data.Median()
	if len(vals) > 1 {
		if v, err := data.StandardDeviationSample(); err == nil {
			res.Std, _ = stats.Round(v, 4)
		}
	}
	return res
}

func (f *Frame) categoricalStats(col string) CategoricalStats {
	vals, _ := f.Column(col)
	res := CategoricalStats{}
	counts := ValueCounts(vals)
	for _, v := range vals {
		if v == "" {
			res.Missing++
		}
	}
	res.UniqueValues = len(counts)
	if len(counts) > topValues {
		counts = counts[:topValues]
	}
	res.TopValues = counts
	return res
}

// ValueCounts counts non-empty values, most frequent first, ties by value
func ValueCounts(vals []string) []ValueCount {
	m := map[string]int{}
	for _, v := range vals {
		if v == "" {
			continue
		}
		m[v]++
	}
	res := make([]ValueCount, 0, len(m))
	for v, c := range m {
		res = append(res, ValueCount{Value: v, Count: c})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Count != res[j].Count {
			return res[i].Count > res[j].Count
		}
		return res[i].Value < res[j].Value
	})
	return res
}

// PromptText renders the summary as plain text for the analyst prompt
func (s Summary) PromptText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %q: %d rows, %d columns\n", s.Name, s.NumRows, s.NumCols)
	b.WriteString("Columns:\n")
	for _, c := range s.Columns {
		switch s.ColumnTypes[c] {
		case "numeric":
			st := s.NumericStats[c]
			fmt.Fprintf(&b, "- %s (numeric): min=%g, max=%g, mean=%g, median=%g, std=%g, missing=%d\n",
				c, st.Min, st.Max, st.Mean, st.Median, st.Std, st.Missing)
		default:
			st := s.CategoricalStats[c]
			top := make([]string, 0, len(st.TopValues))
			for _, v := range st.TopValues {
				top = append(top, fmt.Sprintf("%s (%d)", v.Value, v.Count))
			}
			fmt.Fprintf(&b, "- %s (categorical): %d unique, missing=%d, top: %s\n",
				c, st.UniqueValues, st.Missing, strings.Join(top, ", "))
		}
	}
	if len(s.SampleData) > 0 {
		b.WriteString("Sample rows:\n")
		for _, row := range s.SampleData {
			parts := make([]string, 0, len(s.Columns))
			for _, c := range s.Columns {
				parts = append(parts, fmt.Sprintf("%s=%s", c, row[c]))
			}
			b.WriteString(strings.Join(parts, ", "))
			b.WriteString("\n")
		}
	}
	return b.String()
}
