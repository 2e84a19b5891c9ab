// Package registry tracks generation jobs and their agent transcripts. It holds a single job slot,
// cooperative cancellation tokens and an append-only log of conversations, and publishes changes to subscribers.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/agentviz/agentviz/app/enums"
)

// DefaultMaxLogs is the number of log entries retained when no limit is set
const DefaultMaxLogs = 100

var (
	// ErrJobRunning returned by Start when the slot is taken
	ErrJobRunning = errors.New("a job is already running")
	// ErrNotFound returned for unknown or reset job ids
	ErrNotFound = errors.New("job not found")
	// ErrJobFinished returned when appending to a job in terminal status
	ErrJobFinished = errors.New("job already finished")
)

// Models holds the model selection for a job
type Models struct {
	Analyst string
	Coder   string
	Manager string // optional
}

// Job is a read-only projection of a generation job
type Job struct {
	ID              string          `json:"job_id"`
	Status          enums.JobStatus `json:"status"`
	AnalystModel    string          `json:"analyst_model"`
	CoderModel      string          `json:"coder_model"`
	ManagerModel    string          `json:"manager_model,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	FinishedAt      time.Time       `json:"finished_at,omitzero"`
	CancelRequested bool            `json:"cancel_requested"`
	Error           string          `json:"error,omitempty"`
}

// Message is a single turn of the agent conversation
type Message struct {
	Role    string `json:"role"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// LogEntry is the recorded transcript of one job
type LogEntry struct {
	Timestamp    time.Time       `json:"timestamp"`
	JobID        string          `json:"job_id"`
	AnalystModel string          `json:"analyst_model"`
	CoderModel   string          `json:"coder_model"`
	ManagerModel string          `json:"manager_model,omitempty"`
	Status       enums.JobStatus `json:"status"`
	Error        string          `json:"error,omitempty"`
	Messages     []Message       `json:"messages"`
}

// Event is published to subscribers on every log change. Reset is published as an empty snapshot.
type Event struct {
	Type  enums.StreamEvent
	Entry LogEntry
}

// Token is a cancellation flag shared between the registry and the job's runner.
// Once set it stays set.
type Token struct {
	flag atomic.Bool
}

// Cancelled returns true after cancellation was requested
func (t *Token) Cancelled() bool { return t.flag.Load() }

func (t *Token) cancel() { t.flag.Store(true) }

type jobState struct {
	job   Job
	token *Token
}

// Registry is a single-slot job registry with an in-memory transcript log. Thread safe.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*jobState
	current string     // id of the running job, empty if none
	logs    []LogEntry // chronological
	maxLogs int

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New makes a registry keeping up to maxLogs entries, DefaultMaxLogs if maxLogs <= 0
func New(maxLogs int) *Registry {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return &Registry{jobs: make(map[string]*jobState), maxLogs: maxLogs, subs: make(map[int]chan Event)}
}

// Start creates a running job with a fresh id and an empty log entry. Fails with ErrJobRunning if the slot is taken.
func (r *Registry) Start(m Models) (Job, *Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != "" {
		return Job{}, nil, fmt.Errorf("can't start job: %w (%s)", ErrJobRunning, r.current)
	}

	job := Job{
		ID:           uuid.NewString(),
		Status:       enums.JobStatusRunning,
		AnalystModel: m.Analyst,
		CoderModel:   m.Coder,
		ManagerModel: m.Manager,
		CreatedAt:    time.Now(),
	}
	st := &jobState{job: job, token: &Token{}}
	r.jobs[job.ID] = st
	r.current = job.ID

	entry := LogEntry{
		Timestamp:    job.CreatedAt,
		JobID:        job.ID,
		AnalystModel: m.Analyst,
		CoderModel:   m.Coder,
		ManagerModel: m.Manager,
		Status:       enums.JobStatusRunning,
		Messages:     []Message{},
	}
	r.logs = append(r.logs, entry)
	r.trim()
	r.publish(Event{Type: enums.StreamEventAppend, Entry: copyEntry(entry)})

	log.Printf("[INFO] job %s started, analyst=%s, coder=%s, manager=%s", job.ID, m.Analyst, m.Coder, m.Manager)
	return job, st.token, nil
}

// RequestCancel sets the cancel flag of the job. Idempotent, a finished job is returned as is.
func (r *Registry) RequestCancel(jobID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("can't cancel %s: %w", jobID, ErrNotFound)
	}
	if st.job.Status.IsTerminal() || st.job.CancelRequested {
		return st.job, nil
	}
	st.job.CancelRequested = true
	st.token.cancel()
	log.Printf("[INFO] cancel requested for job %s", jobID)
	return st.job, nil
}

// Status returns the job by id
func (r *Registry) Status(jobID string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("can't get status of %s: %w", jobID, ErrNotFound)
	}
	return st.job, nil
}

// Current returns the running job, if any
func (r *Registry) Current() (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == "" {
		return Job{}, false
	}
	return r.jobs[r.current].job, true
}

// Latest returns the running job or the most recently created one
func (r *Registry) Latest() (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current != "" {
		return r.jobs[r.current].job, true
	}
	var res Job
	for _, st := range r.jobs {
		if st.job.CreatedAt.After(res.CreatedAt) {
			res = st.job
		}
	}
	return res, res.ID != ""
}

// Append adds a message to the job's log entry, preserving emission order
func (r *Registry) Append(jobID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("can't append to %s: %w", jobID, ErrNotFound)
	}
	if st.job.Status.IsTerminal() {
		return fmt.Errorf("can't append to %s: %w", jobID, ErrJobFinished)
	}

	idx := r.entryIndex(jobID)
	if idx < 0 {
		return fmt.Errorf("can't append to %s, log entry dropped: %w", jobID, ErrNotFound)
	}
	r.logs[idx].Messages = append(r.logs[idx].Messages, msg)
	r.publish(Event{Type: enums.StreamEventUpdate, Entry: copyEntry(r.logs[idx])})
	return nil
}

// Finish moves a running job to a terminal status. A job with cancel requested always ends as cancelled.
// Finishing an already finished job returns it unchanged.
func (r *Registry) Finish(jobID string, status enums.JobStatus, errMsg string) (Job, error) {
	if !status.IsTerminal() {
		return Job{}, fmt.Errorf("can't finish %s with non-terminal status %s", jobID, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("can't finish %s: %w", jobID, ErrNotFound)
	}
	if st.job.Status.IsTerminal() {
		return st.job, nil
	}

	if st.job.CancelRequested {
		status, errMsg = enums.JobStatusCancelled, ""
	}
	st.job.Status = status
	st.job.Error = errMsg
	st.job.FinishedAt = time.Now()
	if r.current == jobID {
		r.current = ""
	}

	if idx := r.entryIndex(jobID); idx >= 0 {
		r.logs[idx].Status = status
		r.logs[idx].Error = errMsg
		r.publish(Event{Type: enums.StreamEventUpdate, Entry: copyEntry(r.logs[idx])})
	}
	log.Printf("[INFO] job %s finished with status %s", jobID, status)
	return st.job, nil
}

// Reset clears all jobs and logs regardless of running state. A running job becomes orphaned: its token is
// cancelled and its later Append and Finish calls fail with ErrNotFound.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.jobs {
		st.token.cancel()
	}
	if r.current != "" {
		log.Printf("[WARN] reset with running job %s, its output will be discarded", r.current)
	}
	r.jobs = make(map[string]*jobState)
	r.current = ""
	r.logs = nil
	r.publish(Event{Type: enums.StreamEventSnapshot})
	log.Printf("[INFO] registry reset")
}

// Logs returns a copy of all log entries in chronological order
func (r *Registry) Logs() []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot()
}

// Restore seeds the log with previously recorded entries. Entries still marked running are
// reported as interrupted errors since their jobs can't be resumed.
func (r *Registry) Restore(entries []LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := make([]LogEntry, 0, len(entries)+len(r.logs))
	for _, e := range entries {
		e = copyEntry(e)
		if e.Status == enums.JobStatusRunning {
			e.Status = enums.JobStatusError
			e.Error = "interrupted by restart"
		}
		restored = append(restored, e)
	}
	r.logs = append(restored, r.logs...)
	r.trim()
	log.Printf("[DEBUG] restored %d log entries", len(entries))
}

// Subscribe returns the current snapshot and a channel receiving all subsequent changes.
// The snapshot and the subscription are taken atomically, so no change is lost in between.
// Call the returned function to unsubscribe.
func (r *Registry) Subscribe() (snapshot []LogEntry, events <-chan Event, unsubscribe func()) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch := make(chan Event, 64)
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subsMu.Unlock()

	unsubscribe = func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return r.snapshot(), ch, unsubscribe
}

// publish sends event to all subscribers without blocking. Must be called with r.mu held.
func (r *Registry) publish(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[WARN] subscriber %d event channel full, dropping %s event", id, ev.Type)
		}
	}
}

// trim drops the oldest entries over the limit and forgets their finished jobs
func (r *Registry) trim() {
	if len(r.logs) <= r.maxLogs {
		return
	}
	drop := len(r.logs) - r.maxLogs
	for _, e := range r.logs[:drop] {
		if e.JobID != r.current {
			delete(r.jobs, e.JobID)
		}
	}
	r.logs = slices.Clone(r.logs[drop:])
}

func (r *Registry) entryIndex(jobID string) int {
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].JobID == jobID {
			return i
		}
	}
	return -1
}

func (r *Registry) snapshot() []LogEntry {
	res := make([]LogEntry, 0, len(r.logs))
	for _, e := range r.logs {
		res = append(res, copyEntry(e))
	}
	return res
}

func copyEntry(e LogEntry) LogEntry {
	e.Messages = slices.Clone(e.Messages)
	if e.Messages == nil {
		e.Messages = []Message{}
	}
	return e
}
