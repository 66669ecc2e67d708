package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/msageha/knotify/internal/model"
	yamlutil "github.com/msageha/knotify/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

type statusDocument struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	Entries       []statusRecord `yaml:"entries"`
}

type statusRecord struct {
	ActionID int    `yaml:"action_id"`
	Status   string `yaml:"status"`
	ResumeAt int64  `yaml:"resume_at"` // epoch millis
}

// YAMLStore keeps all checkpoints in one YAML document. Every mutation is a
// read-modify-write of the whole file under the store mutex, committed with
// an atomic rename.
type YAMLStore struct {
	mu      sync.Mutex
	baseDir string
	path    string
}

func NewYAMLStore(baseDir, path string) *YAMLStore {
	return &YAMLStore{baseDir: baseDir, path: path}
}

func (s *YAMLStore) Path() string {
	return s.path
}

func (s *YAMLStore) Get(id int) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range doc.Entries {
		if e.ActionID == id {
			return e.toEntry(), true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *YAMLStore) Set(id int, status model.Status, resumeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	updated := statusRecord{ActionID: id, Status: string(status), ResumeAt: toMillis(resumeAt)}
	replaced := false
	for i := range doc.Entries {
		if doc.Entries[i].ActionID == id {
			doc.Entries[i] = updated
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Entries = append(doc.Entries, updated)
	}
	return s.save(doc)
}

func (s *YAMLStore) Clear(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	kept := doc.Entries[:0]
	for _, e := range doc.Entries {
		if e.ActionID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(doc.Entries) {
		return nil
	}
	doc.Entries = kept
	return s.save(doc)
}

func (s *YAMLStore) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		entries = append(entries, e.toEntry())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ActionID < entries[j].ActionID })
	return entries, nil
}

func (s *YAMLStore) Close() error {
	return nil
}

// load reads the document. A corrupted or foreign file is quarantined and
// replaced by its backup or an empty skeleton before reading again.
func (s *YAMLStore) load() (*statusDocument, error) {
	doc, err := s.read()
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return emptyStatusDocument(), nil
	}
	if !errors.Is(err, yamlutil.ErrCorrupt) {
		return nil, err
	}

	if rerr := yamlutil.RecoverCorruptedFile(s.baseDir, s.path, yamlutil.FileTypeStatus); rerr != nil {
		return nil, fmt.Errorf("recover status store: %w", rerr)
	}
	doc, err = s.read()
	if err != nil {
		return nil, fmt.Errorf("reload status store after recovery: %w", err)
	}
	return doc, nil
}

func (s *YAMLStore) read() (*statusDocument, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read status store: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeStatus); err != nil {
		return nil, fmt.Errorf("%w: %v", yamlutil.ErrCorrupt, err)
	}
	var doc statusDocument
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", yamlutil.ErrCorrupt, err)
	}
	return &doc, nil
}

func (s *YAMLStore) save(doc *statusDocument) error {
	doc.SchemaVersion = yamlutil.CurrentSchemaVersion
	doc.FileType = yamlutil.FileTypeStatus
	if doc.Entries == nil {
		doc.Entries = []statusRecord{}
	}
	if err := yamlutil.AtomicWrite(s.path, doc); err != nil {
		return fmt.Errorf("write status store: %w", err)
	}
	return nil
}

func emptyStatusDocument() *statusDocument {
	return &statusDocument{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeStatus,
		Entries:       []statusRecord{},
	}
}

func (e statusRecord) toEntry() Entry {
	return Entry{
		ActionID: e.ActionID,
		Status:   model.Status(e.Status),
		ResumeAt: fromMillis(e.ResumeAt),
	}
}
