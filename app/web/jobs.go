package web

import (
	"context"
	"errors"

	log "github.com/go-pkgz/lgr"

	"github.com/agentviz/agentviz/app/enums"
	"github.com/agentviz/agentviz/app/registry"
)

// loadHistory seeds the registry with persisted log entries
func (s *Server) loadHistory(ctx context.Context) {
	if s.store == nil {
		return
	}
	entries, err := s.store.LoadLogs(ctx, s.maxLogs)
	if err != nil {
		log.Printf("[WARN] failed to load log history: %v", err)
		return
	}
	s.registry.Restore(entries)
	log.Printf("[INFO] restored %d log entries", len(entries))
}

// processEvents handles registry events until ctx is done or the channel is closed.
// Entries reaching a terminal status are persisted and reported, a reset purges the history again,
// since a save queued before the reset may land after the purge done by the reset handler.
func (s *Server) processEvents(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.Type == enums.StreamEventUpdate && ev.Entry.Status.IsTerminal():
				s.handleFinished(ctx, ev.Entry)
			case ev.Type == enums.StreamEventSnapshot && s.store != nil:
				if err := s.store.Purge(ctx); err != nil {
					log.Printf("[WARN] failed to purge log history after reset: %v", err)
				}
			}
		}
	}
}

func (s *Server) handleFinished(ctx context.Context, entry registry.LogEntry) {
	if _, err := s.registry.Status(entry.JobID); errors.Is(err, registry.ErrNotFound) {
		log.Printf("[DEBUG] skip finished job %s, dropped by reset", entry.JobID)
		return
	}
	if s.store != nil {
		if err := s.store.SaveLog(ctx, entry); err != nil {
			log.Printf("[WARN] failed to save log of job %s: %v", entry.JobID, err)
		} else if err := s.store.Cleanup(ctx, s.maxLogs); err != nil {
			log.Printf("[WARN] failed to cleanup log history: %v", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, entry); err != nil {
			log.Printf("[WARN] failed to send notification for job %s: %v", entry.JobID, err)
		}
	}
}
