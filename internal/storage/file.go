package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileMetadata stores the metadata record as a JSON file. Writes go through
// a temporary file and a rename so readers never see a partial record.
// Changes made to the file by other processes are reported to subscribers.
type FileMetadata struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	lastWritten []byte
	subs        subscribers

	done chan struct{}
	wg   sync.WaitGroup
}

// OpenFileMetadata opens (or prepares) the record at path and starts
// watching its directory.
func OpenFileMetadata(path string, logger *zap.Logger) (*FileMetadata, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s := &FileMetadata{
		path:    path,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

// Close stops the watcher.
func (s *FileMetadata) Close() error {
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileMetadata) Get(ctx context.Context) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultMetadata(), nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	record := DefaultMetadata()
	if err := json.Unmarshal(data, &record); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode metadata %s: %w", s.path, err)
	}
	return record, nil
}

func (s *FileMetadata) Set(ctx context.Context, record Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	s.mu.Lock()
	err = writeFileAtomic(s.path, data)
	if err == nil {
		s.lastWritten = data
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.subs.notify()
	return nil
}

func (s *FileMetadata) Subscribe(fn func()) func() {
	return s.subs.add(fn)
}

func (s *FileMetadata) watch() {
	defer s.wg.Done()
	name := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if s.ownWrite() {
				continue
			}
			s.logger.Debug("metadata changed externally", zap.String("path", s.path), zap.String("op", event.Op.String()))
			s.subs.notify()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("metadata watcher error", zap.Error(err))
		}
	}
}

// ownWrite reports whether the file still holds the bytes this store wrote last.
func (s *FileMetadata) ownWrite() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWritten != nil && bytes.Equal(data, s.lastWritten)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	return nil
}
