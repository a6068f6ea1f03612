package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultFileName is the document FileStore writes inside a home directory.
const DefaultFileName = "meshledger.json"

type fileDocument struct {
	Contacts map[string]string `json:"contacts"`
	Groups   map[string]Group  `json:"groups"`
}

// FileStore keeps contacts and groups in one JSON document. Writes go to a
// temporary file that is renamed over the document, so a crash leaves either
// the old or the new state.
type FileStore struct {
	mu     sync.Mutex
	path   string
	closed bool
}

// NewFileStore returns a store backed by path. The file is created on the
// first save.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

// LoadContacts implements Store.
func (s *FileStore) LoadContacts(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Contacts, nil
}

// SaveContacts implements Store.
func (s *FileStore) SaveContacts(ctx context.Context, contacts map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Contacts = copyContacts(contacts)
	return s.write(doc)
}

// LoadGroups implements Store.
func (s *FileStore) LoadGroups(ctx context.Context) (map[string]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Groups, nil
}

// SaveGroups implements Store.
func (s *FileStore) SaveGroups(ctx context.Context, groups map[string]Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Groups = copyGroups(groups)
	return s.write(doc)
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *FileStore) read() (*fileDocument, error) {
	if s.closed {
		return nil, ErrClosed
	}
	doc := &fileDocument{}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read store: %w", err)
	default:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("failed to parse store %s: %w", s.path, err)
		}
	}
	if doc.Contacts == nil {
		doc.Contacts = make(map[string]string)
	}
	if doc.Groups == nil {
		doc.Groups = make(map[string]Group)
	}
	return doc, nil
}

func (s *FileStore) write(doc *fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace store: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "FileStore.write",
		"path":     s.path,
		"contacts": len(doc.Contacts),
		"groups":   len(doc.Groups),
	}).Debug("Store saved")
	return nil
}
