package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/agentviz/agentviz/app/enums"
	"github.com/agentviz/agentviz/app/registry"
	"github.com/agentviz/agentviz/app/web"
)

const maxEventSize = 16 << 20

// errUnauthorized stops reconnects, retrying with the same credentials can't succeed
var errUnauthorized = errors.New("log stream unauthorized")

// Stream subscribes to the admin log stream and applies its events until ctx is done. A dropped connection
// is re-established, each new connection starts with a full snapshot. Returns an error only when
// the server can't be reached after all reconnect attempts or rejects the credentials.
func (c *Controller) Stream(ctx context.Context) error {
	for {
		var connected bool
		err := c.Repeater.Do(ctx, func() error {
			var err error
			connected, err = c.streamOnce(ctx)
			if connected {
				return nil // session was established, reconnect with a fresh backoff
			}
			return err
		}, errUnauthorized)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("can't connect to log stream: %w", err)
		}
		log.Printf("[DEBUG] log stream ended, reconnecting in %v", c.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.ReconnectDelay):
		}
	}
}

// streamOnce reads a single stream session. connected is true once the initial snapshot was received.
func (c *Controller) streamOnce(ctx context.Context) (connected bool, err error) {
	q := url.Values{}
	if c.APIKey != "" {
		q.Set("api_key", c.APIKey)
	}
	if c.UseOllama {
		q.Set("use_ollama", "true")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/admin/logs/stream?"+q.Encode(), http.NoBody)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.AdminPassword != "" {
		req.SetBasicAuth("admin", c.AdminPassword)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to open log stream: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, errUnauthorized
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("log stream responded with %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var msg web.StreamMessage
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &msg); err != nil {
				log.Printf("[WARN] can't decode log stream event: %v", err)
			} else {
				c.applyEvent(msg)
				connected = true
			}
			data = data[:0]
		case strings.HasPrefix(line, ":"): // comment
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return connected, fmt.Errorf("log stream read failed: %w", err)
	}
	return connected, nil
}

// applyEvent merges a stream event into the log list: snapshot replaces the list, append prepends
// and update replaces the entry with the same job id. The oldest entries over MaxLogs are dropped.
func (c *Controller) applyEvent(msg web.StreamMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case enums.StreamEventSnapshot:
		c.state.Logs = newestFirst(msg.Logs)
	case enums.StreamEventAppend:
		c.state.Logs = append(newestFirst(msg.Logs), c.state.Logs...)
	case enums.StreamEventUpdate:
		for _, e := range msg.Logs {
			c.state.Logs = replaceEntry(c.state.Logs, e)
		}
	case enums.StreamEventHeartbeat:
	}
	if len(c.state.Logs) > c.MaxLogs {
		c.state.Logs = c.state.Logs[:c.MaxLogs:c.MaxLogs]
	}
}

// replaceEntry replaces the entry with the same job id, unknown entries are prepended
func replaceEntry(logs []registry.LogEntry, e registry.LogEntry) []registry.LogEntry {
	for i := range logs {
		if logs[i].JobID == e.JobID {
			res := append([]registry.LogEntry(nil), logs...)
			res[i] = e
			return res
		}
	}
	return append([]registry.LogEntry{e}, logs...)
}
