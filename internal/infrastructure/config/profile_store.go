package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
	"gopkg.in/yaml.v3"
)

type loadResult struct {
	doc model.ProfileDocument
	err error
}

// ProfileStore keeps the profile document in a single file and serializes
// access to it. At most one read or write runs at a time. Saves arriving during
// an operation collapse into one queued write of the newest document, loads
// arriving during a load join it, and a queued save runs before a queued load.
type ProfileStore struct {
	path   string
	logger port.Logger

	readFile  func(path string) ([]byte, error)
	writeFile func(path string, data []byte) error

	mu   sync.Mutex
	busy bool

	pending     model.ProfileDocument
	hasPending  bool
	saveWaiters []chan error

	loading     bool
	loadWaiters []chan loadResult
	loadQueued  bool
	queuedLoads []chan loadResult
}

// NewProfileStore creates a store for the document at path. The encoding is
// YAML for .yaml and .yml files and JSON otherwise.
func NewProfileStore(path string, logger port.Logger) *ProfileStore {
	return &ProfileStore{
		path:      path,
		logger:    logger,
		readFile:  os.ReadFile,
		writeFile: writeFileAtomic,
	}
}

// Path returns the location of the document
func (s *ProfileStore) Path() string {
	return s.path
}

// Load reads the document. ctx only bounds the wait; a read already started
// runs to completion for the other waiters.
func (s *ProfileStore) Load(ctx context.Context) (model.ProfileDocument, error) {
	ch := make(chan loadResult, 1)

	s.mu.Lock()
	switch {
	case s.loading:
		s.logger.Debug("load already in flight, joining")
		s.loadWaiters = append(s.loadWaiters, ch)
	case s.loadQueued:
		s.queuedLoads = append(s.queuedLoads, ch)
	case s.busy:
		s.logger.Debug("load requested during write, queued")
		s.loadQueued = true
		s.queuedLoads = append(s.queuedLoads, ch)
	default:
		s.loadWaiters = append(s.loadWaiters, ch)
		s.startLoadLocked()
	}
	s.mu.Unlock()

	select {
	case res := <-ch:
		return res.doc, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Save requests a write of doc. The returned channel receives the outcome of
// the write that finally carries the newest document.
func (s *ProfileStore) Save(doc model.ProfileDocument) <-chan error {
	ch := make(chan error, 1)

	s.mu.Lock()
	s.saveWaiters = append(s.saveWaiters, ch)
	if s.busy {
		if s.hasPending {
			s.logger.Debug("superseding queued document")
		}
		s.pending = doc.Clone()
		s.hasPending = true
	} else {
		s.startWriteLocked(doc.Clone())
	}
	s.mu.Unlock()

	return ch
}

func (s *ProfileStore) startLoadLocked() {
	s.busy = true
	s.loading = true
	go func() {
		doc, err := s.read()

		s.mu.Lock()
		waiters := s.loadWaiters
		s.loadWaiters = nil
		s.loading = false
		s.busy = false
		s.nextLocked()
		s.mu.Unlock()

		for _, ch := range waiters {
			res := loadResult{err: err}
			if err == nil {
				res.doc = doc.Clone()
			}
			ch <- res
		}
	}()
}

func (s *ProfileStore) startWriteLocked(doc model.ProfileDocument) {
	s.busy = true
	go func() {
		err := s.write(doc)

		s.mu.Lock()
		var waiters []chan error
		if !s.hasPending {
			waiters = s.saveWaiters
			s.saveWaiters = nil
		}
		s.busy = false
		s.nextLocked()
		s.mu.Unlock()

		for _, ch := range waiters {
			ch <- err
		}
	}()
}

// nextLocked starts the next queued operation, a save before a load
func (s *ProfileStore) nextLocked() {
	if s.hasPending {
		doc := s.pending
		s.pending = nil
		s.hasPending = false
		s.startWriteLocked(doc)
		return
	}
	if s.loadQueued {
		s.loadQueued = false
		s.loadWaiters = s.queuedLoads
		s.queuedLoads = nil
		s.startLoadLocked()
	}
}

func (s *ProfileStore) read() (model.ProfileDocument, error) {
	data, err := s.readFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.ErrConfigNotFound.Wrap(err)
		}
		s.logger.Warn("read %s - %v", s.path, err)
		return nil, model.ErrConfigIO.Wrap(err)
	}

	doc, err := decodeDocument(s.path, data)
	if err != nil {
		s.logger.Warn("parse %s - %v", s.path, err)
		return nil, model.ErrConfigParse.Wrap(err)
	}

	s.logger.Debug("loaded %d profile(s) from %s", len(doc), s.path)
	return doc, nil
}

func (s *ProfileStore) write(doc model.ProfileDocument) error {
	data, err := encodeDocument(s.path, doc)
	if err != nil {
		return model.ErrConfigParse.Wrap(err)
	}
	if err := s.writeFile(s.path, data); err != nil {
		s.logger.Warn("write %s - %v", s.path, err)
		return model.ErrConfigIO.Wrap(err)
	}

	s.logger.Debug("saved %d profile(s) to %s", len(doc), s.path)
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decodeDocument(path string, data []byte) (model.ProfileDocument, error) {
	doc := model.ProfileDocument{}
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = model.ProfileDocument{}
	}
	return doc, nil
}

func encodeDocument(path string, doc model.ProfileDocument) ([]byte, error) {
	if doc == nil {
		doc = model.ProfileDocument{}
	}
	if isYAML(path) {
		return yaml.Marshal(doc)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeFileAtomic replaces path through a temporary file in the same directory
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating profile directory: %v", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Ensure ProfileStore implements port.ProfileStore
var _ port.ProfileStore = (*ProfileStore)(nil)
