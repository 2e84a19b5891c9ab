package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_Summarize(t *testing.T) {
	f, err := Parse("sales.csv", []byte(salesCSV))
	require.NoError(t, err)
	s := f.Summarize()

	assert.Equal(t, "sales.csv", s.Name)
	assert.Equal(t, 10, s.NumRows)
	assert.Equal(t, 4, s.NumCols)
	assert.Equal(t, []string{"category", "region", "amount", "qty"}, s.Columns)
	assert.Equal(t, map[string]string{"category": "categorical", "region": "categorical", "amount": "numeric",
		"qty": "numeric"}, s.ColumnTypes)

	amount := s.NumericStats["amount"]
	assert.InDelta(t, 1.5, amount.Min, 1e-9)
	assert.InDelta(t, 20, amount.Max, 1e-9)
	assert.InDelta(t, 7.9444, amount.Mean, 1e-4)
	assert.InDelta(t, 7.5, amount.Median, 1e-9)
	assert.Greater(t, amount.Std, 0.0)
	assert.Equal(t, 1, amount.Missing)

	cat := s.CategoricalStats["category"]
	assert.Equal(t, 4, cat.UniqueValues)
	assert.Equal(t, 0, cat.Missing)
	require.Len(t, cat.TopValues, 4)
	assert.Equal(t, ValueCount{Value: "books", Count: 3}, cat.TopValues[0])
	assert.Equal(t, ValueCount{Value: "games", Count: 3}, cat.TopValues[1], "ties ordered by value")

	require.Len(t, s.SampleData, 5)
	assert.Equal(t, "books", s.SampleData[0]["category"])
	assert.Equal(t, "10.5", s.SampleData[0]["amount"])
}

func TestSummary_TopValuesLimited(t *testing.T) {
	data := "k,v\n"
	for i := range 15 {
		data += string(rune('a'+i)) + ",1\n"
	}
	f, err := Parse("many.csv", []byte(data))
	require.NoError(t, err)
	s := f.Summarize()
	assert.Equal(t, 15, s.CategoricalStats["k"].UniqueValues)
	assert.Len(t, s.CategoricalStats["k"].TopValues, 10)
}

func TestSummary_SingleValueStd(t *testing.T) {
	f, err := Parse("one.csv", []byte("k,v\na,5\n"))
	require.NoError(t, err)
	st := f.Summarize().NumericStats["v"]
	assert.InDelta(t, 5, st.Mean, 1e-9)
	assert.InDelta(t, 0, st.Std, 1e-9)
}

func TestSummary_PromptText(t *testing.T) {
	f, err := Parse("sales.csv", []byte(salesCSV))
	require.NoError(t, err)
	text := f.Summarize().PromptText()
	assert.Contains(t, text, `Dataset "sales.csv": 10 rows, 4 columns`)
	assert.Contains(t, text, "- amount (numeric): min=1.5, max=20")
	assert.Contains(t, text, "- category (categorical): 4 unique, missing=0, top: books (3), games (3)")
	assert.Contains(t, text, "Sample rows:\ncategory=books, region=north, amount=10.5, qty=1\n")
}

func TestValueCounts(t *testing.T) {
	res := ValueCounts([]string{"b", "a", "b", "", "c", "a", "b"})
	assert.Equal(t, []ValueCount{{"b", 3}, {"a", 2}, {"c", 1}}, res)
	assert.Empty(t, ValueCounts(nil))
}
