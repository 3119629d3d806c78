package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/liuscraft/safeword/internal/alert"
	"github.com/liuscraft/safeword/internal/keyword"
)

var ErrInvalidRecipient = errors.New("invalid recipient")

// Recipient is where alerts are delivered.
type Recipient struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

// ResumeState remembers whether listening was on when the process last ran.
// It drives the status display only and never re-arms the listener.
type ResumeState struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// AlertEntry is the persisted form of an alert.Record.
type AlertEntry struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	TriggerText  string    `json:"trigger_text"`
	Partial      bool      `json:"partial,omitempty"`
	MessageBody  string    `json:"message_body"`
	Lat          float64   `json:"lat,omitempty"`
	Lon          float64   `json:"lon,omitempty"`
	HasLocation  bool      `json:"has_location"`
	Approximate  bool      `json:"approximate,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	SentAt       time.Time `json:"sent_at"`
	Sent         bool      `json:"sent"`
	FailureKind  string    `json:"failure_kind,omitempty"`
	Failure      string    `json:"failure,omitempty"`
	LocationSent bool      `json:"location_sent,omitempty"`
}

func EntryFromRecord(r alert.Record) AlertEntry {
	e := AlertEntry{
		ID:           r.ID,
		SessionID:    r.SessionID,
		TriggerText:  r.TriggerText,
		Partial:      r.Partial,
		MessageBody:  r.MessageBody,
		Approximate:  r.Approximate,
		StartedAt:    r.StartedAt,
		SentAt:       r.SentAt,
		Sent:         r.Outcome.Sent,
		LocationSent: r.LocationSent,
	}
	if r.Location != nil {
		e.HasLocation = true
		e.Lat = r.Location.Lat
		e.Lon = r.Location.Lon
	}
	if !r.Outcome.Sent {
		e.FailureKind = r.Outcome.Kind.String()
		e.Failure = r.Outcome.Reason
	}
	return e
}

type document struct {
	TriggerWord string       `json:"trigger_word,omitempty"`
	Recipient   Recipient    `json:"recipient"`
	History     []AlertEntry `json:"alert_history,omitempty"`
	Resume      ResumeState  `json:"resume"`
}

// Store is a small JSON key/value document on an afero filesystem.
type Store struct {
	fs          afero.Fs
	path        string
	historySize int

	mu sync.Mutex
}

// Open checks that the document at path is readable. A missing file is an
// empty store.
func Open(fsys afero.Fs, path string, historySize int) (*Store, error) {
	if historySize <= 0 {
		historySize = 50
	}
	s := &Store{fs: fsys, path: path, historySize: historySize}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewOsStore(path string, historySize int) (*Store, error) {
	return Open(afero.NewOsFs(), path, historySize)
}

func (s *Store) load() (document, error) {
	var doc document
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("read store: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse store %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

// update applies fn to the document under the lock and saves it.
func (s *Store) update(fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return s.save(doc)
}

func (s *Store) read() (document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) TriggerWord() (string, error) {
	doc, err := s.read()
	return doc.TriggerWord, err
}

// SetTriggerWord stores the normalized word. Empty words are rejected with
// keyword.ErrInvalidTrigger.
func (s *Store) SetTriggerWord(word string) (string, error) {
	normalized, err := keyword.ValidateTrigger(word)
	if err != nil {
		return "", err
	}
	err = s.update(func(doc *document) error {
		doc.TriggerWord = normalized
		return nil
	})
	return normalized, err
}

func (s *Store) Recipient() (Recipient, error) {
	doc, err := s.read()
	return doc.Recipient, err
}

func (s *Store) SetRecipient(r Recipient) error {
	if r.Token == "" || r.ChatID == "" {
		return fmt.Errorf("%w: token and chat id are required", ErrInvalidRecipient)
	}
	return s.update(func(doc *document) error {
		doc.Recipient = r
		return nil
	})
}

// AlertHistory returns persisted alerts, oldest first.
func (s *Store) AlertHistory() ([]AlertEntry, error) {
	doc, err := s.read()
	return doc.History, err
}

func (s *Store) AppendAlert(r alert.Record) error {
	return s.update(func(doc *document) error {
		doc.History = append(doc.History, EntryFromRecord(r))
		if over := len(doc.History) - s.historySize; over > 0 {
			doc.History = doc.History[over:]
		}
		return nil
	})
}

func (s *Store) ClearHistory() error {
	return s.update(func(doc *document) error {
		doc.History = nil
		return nil
	})
}

func (s *Store) ResumeState() (ResumeState, error) {
	doc, err := s.read()
	return doc.Resume, err
}

func (s *Store) SetResumeState(r ResumeState) error {
	return s.update(func(doc *document) error {
		doc.Resume = r
		return nil
	})
}
