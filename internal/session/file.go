package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// errEmptyFile marks a file caught between truncate and write.
var errEmptyFile = errors.New("session file is empty")

// fileStore implements Store as a JSON object on disk. Writes replace the
// file atomically; a watcher on the parent directory reloads it when another
// process rewrites it and reports the differing keys as external changes.
type fileStore struct {
	notifier

	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	values map[string]string
	closed bool
}

func newFileStore(path string, logger zerolog.Logger) (*fileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	s := &fileStore{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
		values: make(map[string]string),
	}

	values, err := s.read()
	if err != nil && !errors.Is(err, errEmptyFile) {
		return nil, err
	}
	s.values = values

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create session watcher: %w", err)
	}
	// the directory is watched because atomic renames replace the file inode
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch session directory: %w", err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

func (s *fileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	values := make(map[string]string)
	if len(data) == 0 {
		return values, errEmptyFile
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode session file: %w", err)
	}
	return values, nil
}

// persist writes the current values. Caller holds s.mu.
func (s *fileStore) persist() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Get implements Store.
func (s *fileStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set implements Store.
func (s *fileStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.persist(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(Change{Key: key, Value: value})
	return nil
}

// Delete implements Store.
func (s *fileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev, had := s.values[key]
	if !had {
		s.mu.Unlock()
		return nil
	}
	delete(s.values, key)
	if err := s.persist(); err != nil {
		s.values[key] = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(Change{Key: key, Deleted: true})
	return nil
}

// Subscribe implements Store.
func (s *fileStore) Subscribe(fn func(Change)) func() {
	return s.subscribe(fn)
}

// Close implements Store.
func (s *fileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *fileStore) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Session watcher error")
		}
	}
}

// reload re-reads the file and notifies keys that differ from memory. Our own
// writes leave memory and disk equal, so they produce no notifications.
func (s *fileStore) reload() {
	// read under the lock so a concurrent local write cannot be seen half-applied
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	values, err := s.read()
	if err != nil {
		s.mu.Unlock()
		// partial writes by foreign editors show up as decode errors; the next event retries
		s.logger.Debug().Err(err).Msg("Session reload skipped")
		return
	}
	var changes []Change
	for k, v := range values {
		if old, ok := s.values[k]; !ok || old != v {
			changes = append(changes, Change{Key: k, Value: v, External: true})
		}
	}
	for k := range s.values {
		if _, ok := values[k]; !ok {
			changes = append(changes, Change{Key: k, Deleted: true, External: true})
		}
	}
	s.values = values
	s.mu.Unlock()

	for _, c := range changes {
		s.notify(c)
	}
	if len(changes) > 0 {
		s.logger.Debug().Int("changes", len(changes)).Msg("Session file changed externally")
	}
}
