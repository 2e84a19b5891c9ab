// Package enums provides type-safe enumeration types shared by the registry, agents and web layers.
//
// Each enum is a struct with unexported name and value fields, so the only valid instances are the exported
// values declared here. All enums support:
//   - String() for display and wire format
//   - Parse functions (e.g. ParseJobStatus) for string-to-enum conversion
//   - MarshalText/UnmarshalText for JSON
//   - Scan/Value for database storage as strings
//
// Usage:
//
//	status := enums.JobStatusRunning
//	fmt.Println(status.String()) // "running"
//
//	parsed, err := enums.ParseJobStatus("cancelled")
//	if err != nil {
//	    // handle invalid input
//	}
package enums

import (
	"database/sql/driver"
	"fmt"
)

// JobStatus represents the lifecycle status of a generation job
type JobStatus struct {
	name  string
	value int
}

// job statuses
var (
	JobStatusUnknown   = JobStatus{name: "unknown", value: 0}
	JobStatusRunning   = JobStatus{name: "running", value: 1}
	JobStatusCompleted = JobStatus{name: "completed", value: 2}
	JobStatusCancelled = JobStatus{name: "cancelled", value: 3}
	JobStatusError     = JobStatus{name: "error", value: 4}
)

// JobStatusValues lists all valid job statuses
var JobStatusValues = []JobStatus{JobStatusRunning, JobStatusCompleted, JobStatusCancelled, JobStatusError}

func (e JobStatus) String() string {
	if e.name == "" {
		return JobStatusUnknown.name
	}
	return e.name
}

// IsTerminal returns true for statuses a job can't leave
func (e JobStatus) IsTerminal() bool {
	return e == JobStatusCompleted || e == JobStatusCancelled || e == JobStatusError
}

// ParseJobStatus converts string to JobStatus
func ParseJobStatus(v string) (JobStatus, error) {
	for _, s := range JobStatusValues {
		if s.name == v {
			return s, nil
		}
	}
	return JobStatusUnknown, fmt.Errorf("invalid job status %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (e JobStatus) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (e *JobStatus) UnmarshalText(text []byte) error {
	v, err := ParseJobStatus(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Value implements driver.Valuer
func (e JobStatus) Value() (driver.Value, error) { return e.String(), nil }

// Scan implements sql.Scanner
func (e *JobStatus) Scan(value any) error {
	str, err := scanString(value)
	if err != nil {
		return err
	}
	return e.UnmarshalText([]byte(str))
}

// StreamEvent represents the type of event sent over the admin log stream
type StreamEvent struct {
	name  string
	value int
}

// stream events
var (
	StreamEventSnapshot  = StreamEvent{name: "snapshot", value: 0}
	StreamEventAppend    = StreamEvent{name: "append", value: 1}
	StreamEventUpdate    = StreamEvent{name: "update", value: 2}
	StreamEventHeartbeat = StreamEvent{name: "heartbeat", value: 3}
)

// StreamEventValues lists all valid stream events
var StreamEventValues = []StreamEvent{StreamEventSnapshot, StreamEventAppend, StreamEventUpdate, StreamEventHeartbeat}

func (e StreamEvent) String() string { return e.name }

// ParseStreamEvent converts string to StreamEvent
func ParseStreamEvent(v string) (StreamEvent, error) {
	for _, s := range StreamEventValues {
		if s.name == v {
			return s, nil
		}
	}
	return StreamEvent{}, fmt.Errorf("invalid stream event %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (e StreamEvent) MarshalText() ([]byte, error) { return []byte(e.name), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (e *StreamEvent) UnmarshalText(text []byte) error {
	v, err := ParseStreamEvent(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Provider represents the LLM backend in use
type Provider struct {
	name  string
	value int
}

// providers
var (
	ProviderGroq   = Provider{name: "groq", value: 0}
	ProviderOllama = Provider{name: "ollama", value: 1}
)

// ProviderValues lists all valid providers
var ProviderValues = []Provider{ProviderGroq, ProviderOllama}

func (e Provider) String() string {
	if e.name == "" {
		return ProviderGroq.name
	}
	return e.name
}

// ParseProvider converts string to Provider
func ParseProvider(v string) (Provider, error) {
	for _, p := range ProviderValues {
		if p.name == v {
			return p, nil
		}
	}
	return ProviderGroq, fmt.Errorf("invalid provider %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (e Provider) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (e *Provider) UnmarshalText(text []byte) error {
	v, err := ParseProvider(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// VizKind is the variant tag of a visualization
type VizKind struct {
	name  string
	value int
}

// visualization kinds
var (
	VizKindPlotly  = VizKind{name: "plotly", value: 0}
	VizKindECharts = VizKind{name: "echarts", value: 1}
)

// VizKindValues lists all valid visualization kinds
var VizKindValues = []VizKind{VizKindPlotly, VizKindECharts}

func (e VizKind) String() string {
	if e.name == "" {
		return VizKindPlotly.name
	}
	return e.name
}

// ParseVizKind converts string to VizKind
func ParseVizKind(v string) (VizKind, error) {
	for _, k := range VizKindValues {
		if k.name == v {
			return k, nil
		}
	}
	return VizKindPlotly, fmt.Errorf("invalid visualization kind %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (e VizKind) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (e *VizKind) UnmarshalText(text []byte) error {
	v, err := ParseVizKind(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// AgentRole is the role an agent plays in the conversation
type AgentRole struct {
	name  string
	value int
}

// agent roles, names match the conversation participants
var (
	AgentRoleUser    = AgentRole{name: "User_Proxy", value: 0}
	AgentRoleAnalyst = AgentRole{name: "Data_Analyst", value: 1}
	AgentRoleCoder   = AgentRole{name: "Visualization_Coder", value: 2}
	AgentRoleManager = AgentRole{name: "Chat_Manager", value: 3}
)

func (e AgentRole) String() string { return e.name }

func scanString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("can't scan nil value")
	default:
		return "", fmt.Errorf("unsupported scan type %T", value)
	}
}
