package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// DefaultMaxSize is the upload size limit, 16MB
const DefaultMaxSize = 16 << 20

var (
	// ErrNotCSV returned for uploads without .csv extension
	ErrNotCSV = errors.New("only CSV files are allowed")
	// ErrTooLarge returned for uploads over the size limit
	ErrTooLarge = errors.New("file too large")
	// ErrNoDataset returned when nothing was uploaded yet
	ErrNoDataset = errors.New("no dataset uploaded")
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store keeps the uploaded files in a directory and the last parsed upload in memory. Last upload wins.
type Store struct {
	dir     string
	maxSize int64

	mu    sync.RWMutex
	frame *Frame
}

// NewStore makes a store writing uploads to dir, created if missing
func NewStore(dir string, maxSize int64) (*Store, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("can't make upload dir %s: %w", dir, err)
	}
	return &Store{dir: dir, maxSize: maxSize}, nil
}

// Save stores the upload, parses it and makes it the current dataset
func (s *Store) Save(name string, r io.Reader) (*Frame, error) {
	if !strings.EqualFold(filepath.Ext(name), ".csv") {
		return nil, fmt.Errorf("can't save %q: %w", name, ErrNotCSV)
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("can't read upload %q: %w", name, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("can't save %q, limit %d bytes: %w", name, s.maxSize, ErrTooLarge)
	}

	clean := SecureFilename(name)
	frame, err := Parse(clean, data)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), clean))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("can't write upload %s: %w", path, err)
	}
	frame.Path = path

	s.mu.Lock()
	s.frame = frame
	s.mu.Unlock()
	log.Printf("[INFO] dataset %s loaded, %d rows, %d columns, delimiter %q, %s",
		clean, len(frame.Rows), len(frame.Columns), frame.Delimiter, frame.Encoding)
	return frame, nil
}

// Current returns the last uploaded dataset
func (s *Store) Current() (*Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return nil, ErrNoDataset
	}
	return s.frame, nil
}

// Cleanup removes uploads older than maxAge, except the current dataset file
func (s *Store) Cleanup(maxAge time.Duration) (removed int, err error) {
	s.mu.RLock()
	var current string
	if s.frame != nil {
		current = s.frame.Path
	}
	s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("can't read upload dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if path == current {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Printf("[WARN] can't remove stale upload %s: %v", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// RunJanitor removes stale uploads on the cron schedule until ctx is done
func (s *Store) RunJanitor(ctx context.Context, schedule string, maxAge time.Duration) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := s.Cleanup(maxAge)
		if err != nil {
			log.Printf("[WARN] upload cleanup failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[INFO] removed %d stale uploads", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("[INFO] upload janitor started, schedule %q, max age %v", schedule, maxAge)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// SecureFilename strips directories and unsafe characters from an uploaded file name
func SecureFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "upload.csv"
	}
	return name
}
