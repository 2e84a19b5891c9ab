package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentviz/agentviz/app/enums"
)

func TestRegistry_Start(t *testing.T) {
	r := New(0)
	job, tok, err := r.Start(Models{Analyst: "a1", Coder: "c1", Manager: "m1"})
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, enums.JobStatusRunning, job.Status)
	assert.Equal(t, "a1", job.AnalystModel)
	assert.Equal(t, "c1", job.CoderModel)
	assert.Equal(t, "m1", job.ManagerModel)
	assert.False(t, job.CancelRequested)

	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, job.ID, cur.ID)

	logs := r.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, job.ID, logs[0].JobID)
	assert.Equal(t, enums.JobStatusRunning, logs[0].Status)
	assert.Empty(t, logs[0].Messages)

	_, _, err = r.Start(Models{Analyst: "a2", Coder: "c2"})
	require.ErrorIs(t, err, ErrJobRunning)

	_, err = r.Finish(job.ID, enums.JobStatusCompleted, "")
	require.NoError(t, err)
	_, ok = r.Current()
	assert.False(t, ok)

	job2, _, err := r.Start(Models{Analyst: "a2", Coder: "c2"})
	require.NoError(t, err, "slot is free after finish")
	assert.NotEqual(t, job.ID, job2.ID)
}

func TestRegistry_StartConcurrent(t *testing.T) {
	r := New(0)
	var succeeded, rejected atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := r.Start(Models{Analyst: fmt.Sprintf("a%d", i), Coder: "c"})
			if err != nil {
				assert.ErrorIs(t, err, ErrJobRunning)
				rejected.Add(1)
				return
			}
			succeeded.Add(1)
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(49), rejected.Load())
	assert.Len(t, r.Logs(), 1)
}

func TestRegistry_RequestCancel(t *testing.T) {
	r := New(0)
	job, tok, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)
	assert.False(t, tok.Cancelled())

	var first Job
	for i := range 3 {
		j, err := r.RequestCancel(job.ID)
		require.NoError(t, err)
		if i == 0 {
			first = j
			continue
		}
		assert.Equal(t, first, j, "repeated cancel has the same effect as one")
	}
	assert.True(t, first.CancelRequested)
	assert.Equal(t, enums.JobStatusRunning, first.Status, "cancel is cooperative, job still running")
	assert.True(t, tok.Cancelled())

	finished, err := r.Finish(job.ID, enums.JobStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusCancelled, finished.Status, "cancelled job never completes")
	assert.True(t, finished.CancelRequested)

	j, err := r.RequestCancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusCancelled, j.Status)

	_, err = r.RequestCancel("unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_CancelFinishedJob(t *testing.T) {
	r := New(0)
	job, tok, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)
	_, err = r.Finish(job.ID, enums.JobStatusCompleted, "")
	require.NoError(t, err)

	j, err := r.RequestCancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusCompleted, j.Status)
	assert.False(t, j.CancelRequested)
	assert.False(t, tok.Cancelled())
}

func TestRegistry_Finish(t *testing.T) {
	r := New(0)
	job, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)

	_, err = r.Finish(job.ID, enums.JobStatusRunning, "")
	require.Error(t, err)

	j, err := r.Finish(job.ID, enums.JobStatusError, "upstream failed")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusError, j.Status)
	assert.Equal(t, "upstream failed", j.Error)
	assert.False(t, j.FinishedAt.IsZero())

	j, err = r.Finish(job.ID, enums.JobStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusError, j.Status, "terminal status is sticky")

	logs := r.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, enums.JobStatusError, logs[0].Status)
	assert.Equal(t, "upstream failed", logs[0].Error)

	_, err = r.Finish("unknown", enums.JobStatusCompleted, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_AppendPreservesOrder(t *testing.T) {
	r := New(0)
	job, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)

	var prev []Message
	for i := range 10 {
		msg := Message{Role: "assistant", Name: enums.AgentRoleCoder.String(), Content: fmt.Sprintf("msg %d", i)}
		require.NoError(t, r.Append(job.ID, msg))
		logs := r.Logs()
		require.Len(t, logs, 1)
		require.Len(t, logs[0].Messages, i+1)
		assert.Equal(t, prev, logs[0].Messages[:i], "earlier messages never reordered")
		assert.Equal(t, msg, logs[0].Messages[i])
		prev = logs[0].Messages
	}

	_, err = r.Finish(job.ID, enums.JobStatusCompleted, "")
	require.NoError(t, err)
	require.ErrorIs(t, r.Append(job.ID, Message{Content: "late"}), ErrJobFinished)
	require.ErrorIs(t, r.Append("unknown", Message{Content: "x"}), ErrNotFound)
}

func TestRegistry_LogsAreCopies(t *testing.T) {
	r := New(0)
	job, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)
	require.NoError(t, r.Append(job.ID, Message{Content: "one"}))

	logs := r.Logs()
	logs[0].Messages[0].Content = "changed"
	logs[0].Messages = append(logs[0].Messages, Message{Content: "extra"})

	fresh := r.Logs()
	require.Len(t, fresh[0].Messages, 1)
	assert.Equal(t, "one", fresh[0].Messages[0].Content)
}

func TestRegistry_Reset(t *testing.T) {
	t.Run("with running job", func(t *testing.T) {
		r := New(0)
		job, tok, err := r.Start(Models{Analyst: "a", Coder: "c"})
		require.NoError(t, err)
		require.NoError(t, r.Append(job.ID, Message{Content: "hello"}))

		r.Reset()
		assert.Empty(t, r.Logs())
		_, ok := r.Current()
		assert.False(t, ok)
		assert.True(t, tok.Cancelled(), "orphaned job is told to stop")

		// orphaned job output is ignored
		require.ErrorIs(t, r.Append(job.ID, Message{Content: "late"}), ErrNotFound)
		_, err = r.Finish(job.ID, enums.JobStatusCompleted, "")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, r.Logs())

		_, _, err = r.Start(Models{Analyst: "a", Coder: "c"})
		require.NoError(t, err, "slot is free after reset")
	})

	t.Run("with finished jobs", func(t *testing.T) {
		r := New(0)
		for range 3 {
			job, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
			require.NoError(t, err)
			_, err = r.Finish(job.ID, enums.JobStatusCompleted, "")
			require.NoError(t, err)
		}
		require.Len(t, r.Logs(), 3)
		r.Reset()
		assert.Empty(t, r.Logs())
		_, ok := r.Latest()
		assert.False(t, ok)
	})

	t.Run("empty registry", func(t *testing.T) {
		r := New(0)
		r.Reset()
		assert.Empty(t, r.Logs())
	})
}

func TestRegistry_Retention(t *testing.T) {
	r := New(3)
	var ids []string
	for range 5 {
		job, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
		require.NoError(t, err)
		_, err = r.Finish(job.ID, enums.JobStatusCompleted, "")
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	logs := r.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, ids[2:], []string{logs[0].JobID, logs[1].JobID, logs[2].JobID})

	_, err := r.Status(ids[0])
	require.ErrorIs(t, err, ErrNotFound, "trimmed job forgotten")
	_, err = r.Status(ids[4])
	require.NoError(t, err)
}

func TestRegistry_Latest(t *testing.T) {
	r := New(0)
	_, ok := r.Latest()
	assert.False(t, ok)

	job1, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)
	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, job1.ID, latest.ID)

	_, err = r.Finish(job1.ID, enums.JobStatusCompleted, "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	job2, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)
	_, err = r.Finish(job2.ID, enums.JobStatusError, "boom")
	require.NoError(t, err)

	latest, ok = r.Latest()
	require.True(t, ok)
	assert.Equal(t, job2.ID, latest.ID)
	assert.Equal(t, enums.JobStatusError, latest.Status)
}

func TestRegistry_Restore(t *testing.T) {
	r := New(0)
	r.Restore([]LogEntry{
		{JobID: "old1", Status: enums.JobStatusCompleted, Messages: []Message{{Content: "x"}}},
		{JobID: "old2", Status: enums.JobStatusRunning},
	})
	job, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)

	logs := r.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "old1", logs[0].JobID)
	assert.Equal(t, enums.JobStatusError, logs[1].Status)
	assert.Equal(t, "interrupted by restart", logs[1].Error)
	assert.Empty(t, logs[1].Messages)
	assert.Equal(t, job.ID, logs[2].JobID)
}

func TestRegistry_Subscribe(t *testing.T) {
	r := New(0)
	job, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)

	snapshot, events, unsubscribe := r.Subscribe()
	defer unsubscribe()
	require.Len(t, snapshot, 1)
	assert.Equal(t, job.ID, snapshot[0].JobID)

	require.NoError(t, r.Append(job.ID, Message{Content: "one"}))
	ev := <-events
	assert.Equal(t, enums.StreamEventUpdate, ev.Type)
	require.Len(t, ev.Entry.Messages, 1)

	_, err = r.Finish(job.ID, enums.JobStatusCompleted, "")
	require.NoError(t, err)
	ev = <-events
	assert.Equal(t, enums.StreamEventUpdate, ev.Type)
	assert.Equal(t, enums.JobStatusCompleted, ev.Entry.Status)

	job2, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)
	ev = <-events
	assert.Equal(t, enums.StreamEventAppend, ev.Type)
	assert.Equal(t, job2.ID, ev.Entry.JobID)

	r.Reset()
	ev = <-events
	assert.Equal(t, enums.StreamEventSnapshot, ev.Type)

	snapshot2, _, unsubscribe2 := r.Subscribe()
	defer unsubscribe2()
	assert.Empty(t, snapshot2)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := New(0)
	_, events, unsubscribe := r.Subscribe()
	unsubscribe()
	unsubscribe() // second call is a no-op
	_, ok := <-events
	assert.False(t, ok, "channel closed after unsubscribe")

	_, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err, "publishing without subscribers works")
}

func TestRegistry_SlowSubscriberDoesNotBlock(t *testing.T) {
	r := New(0)
	_, _, unsubscribe := r.Subscribe()
	defer unsubscribe()

	job, _, err := r.Start(Models{Analyst: "a", Coder: "c"})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		for i := range 200 {
			_ = r.Append(job.ID, Message{Content: fmt.Sprintf("%d", i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("append blocked by slow subscriber")
	}
	assert.Len(t, r.Logs()[0].Messages, 200)
}
