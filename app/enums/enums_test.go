package enums

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus(t *testing.T) {
	for _, s := range JobStatusValues {
		parsed, err := ParseJobStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseJobStatus("bad")
	require.EqualError(t, err, `invalid job status "bad"`)
	assert.Equal(t, "unknown", JobStatus{}.String())

	assert.False(t, JobStatusRunning.IsTerminal())
	assert.False(t, JobStatusUnknown.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.True(t, JobStatusError.IsTerminal())
}

func TestJobStatus_JSON(t *testing.T) {
	type rec struct {
		Status JobStatus `json:"status"`
	}
	data, err := json.Marshal(rec{Status: JobStatusCancelled})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"cancelled"}`, string(data))

	var r rec
	require.NoError(t, json.Unmarshal([]byte(`{"status":"error"}`), &r))
	assert.Equal(t, JobStatusError, r.Status)
	require.Error(t, json.Unmarshal([]byte(`{"status":"weird"}`), &r))
}

func TestJobStatus_SQL(t *testing.T) {
	v, err := JobStatusCompleted.Value()
	require.NoError(t, err)
	assert.Equal(t, "completed", v)

	var s JobStatus
	require.NoError(t, s.Scan("running"))
	assert.Equal(t, JobStatusRunning, s)
	require.NoError(t, s.Scan([]byte("cancelled")))
	assert.Equal(t, JobStatusCancelled, s)
	require.EqualError(t, s.Scan(nil), "can't scan nil value")
	require.EqualError(t, s.Scan(42), "unsupported scan type int")
}

func TestStreamEvent(t *testing.T) {
	for _, e := range StreamEventValues {
		parsed, err := ParseStreamEvent(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, parsed)
	}
	_, err := ParseStreamEvent("")
	require.Error(t, err)

	data, err := json.Marshal(map[string]StreamEvent{"type": StreamEventHeartbeat})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(data))
}

func TestProvider(t *testing.T) {
	p, err := ParseProvider("ollama")
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, p)
	p, err = ParseProvider("openai")
	require.Error(t, err)
	assert.Equal(t, ProviderGroq, p)
	assert.Equal(t, "groq", Provider{}.String())

	var got Provider
	require.NoError(t, got.UnmarshalText([]byte("groq")))
	assert.Equal(t, ProviderGroq, got)
}

func TestVizKind(t *testing.T) {
	k, err := ParseVizKind("echarts")
	require.NoError(t, err)
	assert.Equal(t, VizKindECharts, k)
	_, err = ParseVizKind("vega")
	require.Error(t, err)
	assert.Equal(t, "plotly", VizKind{}.String())

	data, err := json.Marshal(struct {
		Kind VizKind `json:"kind"`
	}{Kind: VizKindECharts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"echarts"}`, string(data))
}

func TestAgentRole(t *testing.T) {
	assert.Equal(t, "User_Proxy", AgentRoleUser.String())
	assert.Equal(t, "Data_Analyst", AgentRoleAnalyst.String())
	assert.Equal(t, "Visualization_Coder", AgentRoleCoder.String())
	assert.Equal(t, "Chat_Manager", AgentRoleManager.String())
}
