package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	tmpl, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 10, tmpl.MaxRounds)

	v := Vars{Dataset: "sales.csv", Summary: "Rows: 10", Columns: "region, amount"}
	analyst, err := tmpl.Analyst(v)
	require.NoError(t, err)
	assert.Contains(t, analyst, "dataset sales.csv")
	assert.Contains(t, analyst, "The columns are: region, amount.")
	assert.Contains(t, analyst, "Rows: 10")

	coder, err := tmpl.Coder(v)
	require.NoError(t, err)
	assert.Contains(t, coder, "variable named fig")

	manager, err := tmpl.Manager(v)
	require.NoError(t, err)
	assert.Contains(t, manager, "region, amount")

	req, err := tmpl.Request(v)
	require.NoError(t, err)
	assert.Contains(t, req, "provide 3 insightful visualizations")

	v.Prompt = "show amount by region"
	req, err = tmpl.Request(v)
	require.NoError(t, err)
	assert.Contains(t, req, `The user asks for a specific visualization: "show amount by region"`)

	retry, err := tmpl.Retry(Vars{Review: "use the amount column"})
	require.NoError(t, err)
	assert.Contains(t, retry, "use the amount column")
}

func TestLoad(t *testing.T) {
	write := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "prompts.yml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}
	valid := `
max_rounds: 3
analyst: "analyze {{.Dataset}}"
coder: "code {{.Columns}}"
manager: "review"
initial_request: "start"
follow_up: "user wants {{.Prompt}}"
retry: "again: {{.Review}}"
`

	t.Run("empty path is default", func(t *testing.T) {
		tmpl, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxRounds, tmpl.MaxRounds)
	})

	t.Run("custom file", func(t *testing.T) {
		tmpl, err := Load(write(t, valid))
		require.NoError(t, err)
		assert.Equal(t, 3, tmpl.MaxRounds)
		res, err := tmpl.Analyst(Vars{Dataset: "d.csv"})
		require.NoError(t, err)
		assert.Equal(t, "analyze d.csv", res)
		res, err = tmpl.Request(Vars{Prompt: "pie"})
		require.NoError(t, err)
		assert.Equal(t, "user wants pie", res)
	})

	t.Run("max rounds defaulted", func(t *testing.T) {
		tmpl, err := Load(write(t, "analyst: a\ncoder: c\nmanager: m\ninitial_request: i\nfollow_up: f\nretry: r\n"))
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxRounds, tmpl.MaxRounds)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read prompts")
	})

	tests := []struct {
		name, body, wantErr string
	}{
		{"missing field", "analyst: a\ncoder: c\n", "invalid prompts"},
		{"unknown field", valid + "extra: 1\n", "invalid prompts"},
		{"bad rounds", "max_rounds: 0\nanalyst: a\ncoder: c\nmanager: m\ninitial_request: i\nfollow_up: f\nretry: r\n",
			"invalid prompts"},
		{"empty prompt", "analyst: ''\ncoder: c\nmanager: m\ninitial_request: i\nfollow_up: f\nretry: r\n",
			"invalid prompts"},
		{"bad yaml", "analyst: [", "parse yaml"},
		{"bad template", "analyst: '{{.Dataset'\ncoder: c\nmanager: m\ninitial_request: i\nfollow_up: f\nretry: r\n",
			"template analyst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRender_UnknownField(t *testing.T) {
	tmpl, err := parse([]byte("analyst: '{{.Nope}}'\ncoder: c\nmanager: m\ninitial_request: i\nfollow_up: f\nretry: r\n"), "test")
	require.NoError(t, err)
	_, err = tmpl.Analyst(Vars{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render analyst")
}

func TestSchema(t *testing.T) {
	s := Schema()
	assert.Equal(t, "Agentviz Prompts Configuration Schema", s.Title)
	require.NotNil(t, s.Properties)
	_, ok := s.Properties.Get("analyst")
	assert.True(t, ok)
	_, ok = s.Properties.Get("max_rounds")
	assert.True(t, ok)
	assert.Contains(t, s.Required, "coder")
	assert.NotContains(t, s.Required, "max_rounds")
}
