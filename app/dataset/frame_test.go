package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const salesCSV = `category,region,amount,qty
books,north,10.5,1
books,south,20,2
games,north,5,1
games,north,7.5,3
music,south,3,1
music,east,n/a,2
toys,east,12,4
toys,west,8,1
books,west,1.5,1
games,east,4,2
`

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		delimiter rune
		columns   []string
		rows      int
	}{
		{"comma", "a,b,c\n1,2,3\n4,5,6\n", ',', []string{"a", "b", "c"}, 2},
		{"semicolon", "a;b\n1,5;2\n3;4\n", ';', []string{"a", "b"}, 2},
		{"tab", "a\tb\n1\t2\n", '\t', []string{"a", "b"}, 1},
		{"pipe", "a|b|c\nx|y|z\n", '|', []string{"a", "b", "c"}, 1},
		{"single column", "name\nalice\nbob\n", ',', []string{"name"}, 2},
		{"bom and blank header", "\xef\xbb\xbfa,,c\n1,2,3\n", ',', []string{"a", "column_2", "c"}, 1},
		{"short and long rows", "a,b,c\n1\n1,2,3,4\n", ',', []string{"a", "b", "c"}, 2},
		{"quoted values", "a,b\n\"x, y\",2\n", ',', []string{"a", "b"}, 1},
		{"blank lines skipped", "a,b\n1,2\n\n3,4\n", ',', []string{"a", "b"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse("test.csv", []byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.delimiter, f.Delimiter)
			assert.Equal(t, tt.columns, f.Columns)
			assert.Len(t, f.Rows, tt.rows)
			for _, row := range f.Rows {
				assert.Len(t, row, len(tt.columns), "rows normalized to header width")
			}
		})
	}
}

func TestParse_Latin1(t *testing.T) {
	data := []byte("name,city\nJos\xe9,M\xfcnchen\n")
	f, err := Parse("latin.csv", data)
	require.NoError(t, err)
	assert.Equal(t, "latin-1", f.Encoding)
	assert.Equal(t, []string{"José", "München"}, f.Rows[0])

	f, err = Parse("utf.csv", []byte("name\nJosé\n"))
	require.NoError(t, err)
	assert.Equal(t, "utf-8", f.Encoding)
}

func TestParse_Empty(t *testing.T) {
	for _, data := range []string{"", "   \n", "a,b\n"} {
		_, err := Parse("empty.csv", []byte(data))
		require.ErrorIs(t, err, ErrEmpty, "data %q", data)
	}
}

func TestFrame_ColumnTypes(t *testing.T) {
	f, err := Parse("sales.csv", []byte(salesCSV))
	require.NoError(t, err)

	assert.Equal(t, []string{"amount", "qty"}, f.NumericColumns(), "amount has 9 of 10 numeric values")
	assert.Equal(t, []string{"category", "region"}, f.CategoricalColumns())
	assert.False(t, f.IsNumeric("unknown"))

	vals, missing := f.Numbers("amount")
	assert.Len(t, vals, 9)
	assert.Equal(t, 1, missing)

	col, ok := f.Column("region")
	require.True(t, ok)
	assert.Equal(t, "north", col[0])
	_, ok = f.Column("nope")
	assert.False(t, ok)
}

func TestFrame_NumericThreshold(t *testing.T) {
	// 2 of 3 values numeric, below 70%
	f, err := Parse("t.csv", []byte("v,k\n1,a\n2,b\nx,c\n"))
	require.NoError(t, err)
	assert.False(t, f.IsNumeric("v"))

	// 7 of 10 values numeric, exactly at threshold
	f, err = Parse("t.csv", []byte("v,k\n1,a\n2,a\n3,a\n4,a\n5,a\n6,a\n7,a\nx,a\ny,a\nz,a\n"))
	require.NoError(t, err)
	assert.True(t, f.IsNumeric("v"))

	// empty values ignored
	f, err = Parse("t.csv", []byte("v,k\n1,a\n,b\n,c\n"))
	require.NoError(t, err)
	assert.True(t, f.IsNumeric("v"))
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1", 1, true},
		{" 2.5 ", 2.5, true},
		{"-3e2", -300, true},
		{"1,5", 1.5, true},
		{"1,000.5", 0, false},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseNumber(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}
