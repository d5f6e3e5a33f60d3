// Package history persists conversations as one JSON document per
// calendar day. Layout: <dir>/YYYY-MM-DD/conversations.json.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DateLayout is the directory naming format.
const DateLayout = "2006-01-02"

const fileName = "conversations.json"

// Dates arrive from the HTTP query string, so they are validated
// before ever touching the filesystem.
var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Message is one stored conversation turn.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message with a fresh ID and current timestamp.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// day is the on-disk document for one date.
type day struct {
	Date     string    `json:"date"`
	Messages []Message `json:"messages"`
}

// Store reads and writes day documents under a base directory. Safe
// for concurrent use.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewStore creates the base directory if needed.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// ValidDate reports whether s is a well-formed YYYY-MM-DD date.
func ValidDate(s string) bool {
	if !dateRe.MatchString(s) {
		return false
	}
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// Today returns the current date in store format.
func Today() string {
	return time.Now().Format(DateLayout)
}

// Load returns the messages stored for date, or an empty slice when
// the day has no file yet.
func (s *Store) Load(date string) ([]Message, error) {
	if !ValidDate(date) {
		return nil, fmt.Errorf("invalid date %q", date)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(date)
}

// loadLocked reads a day's document. Caller holds s.mu.
func (s *Store) loadLocked(date string) ([]Message, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, date, fileName))
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var d day
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return d.Messages, nil
}

// Append adds messages to a date's document and persists it. The
// load-append-save runs under one lock so concurrent appends never
// overwrite each other.
func (s *Store) Append(date string, msgs ...Message) error {
	if !ValidDate(date) {
		return fmt.Errorf("invalid date %q", date)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadLocked(date)
	if err != nil {
		return err
	}
	return s.saveLocked(date, append(existing, msgs...))
}

// Save replaces the document for date. The write goes to a temp file
// first and is renamed into place so readers never see a partial file.
func (s *Store) Save(date string, msgs []Message) error {
	if !ValidDate(date) {
		return fmt.Errorf("invalid date %q", date)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(date, msgs)
}

// saveLocked writes a day's document. Caller holds s.mu.
func (s *Store) saveLocked(date string, msgs []Message) error {
	dayDir := filepath.Join(s.dir, date)
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return fmt.Errorf("create day dir: %w", err)
	}

	data, err := json.MarshalIndent(day{Date: date, Messages: msgs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	path := filepath.Join(dayDir, fileName)
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("rename history: %w", err)
	}
	return nil
}

// Dates lists stored dates, newest first.
func (s *Store) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	var dates []string
	for _, e := range entries {
		if e.IsDir() && ValidDate(e.Name()) {
			dates = append(dates, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Recent returns up to max messages from the last n days, oldest
// first, suitable for seeding model context.
func (s *Store) Recent(days, max int) ([]Message, error) {
	dates, err := s.Dates()
	if err != nil {
		return nil, err
	}
	if len(dates) > days {
		dates = dates[:days]
	}

	// Collect newest-date-first, then reverse into chronological order.
	var collected []Message
	for _, date := range dates {
		msgs, err := s.Load(date)
		if err != nil {
			s.logger.Warn().Err(err).Str("date", date).Msg("skipping unreadable history day")
			continue
		}
		collected = append(msgs, collected...)
	}

	if max > 0 && len(collected) > max {
		collected = collected[len(collected)-max:]
	}
	return collected, nil
}

// Clear removes the document for date. Missing days are not an error.
func (s *Store) Clear(date string) error {
	if !ValidDate(date) {
		return fmt.Errorf("invalid date %q", date)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.RemoveAll(filepath.Join(s.dir, date))
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// PruneOlderThan deletes day directories older than the retention
// window and returns how many were removed.
func (s *Store) PruneOlderThan(days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format(DateLayout)

	dates, err := s.Dates()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, date := range dates {
		if date >= cutoff {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, date)); err != nil {
			s.logger.Warn().Err(err).Str("date", date).Msg("failed to prune history day")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int("retention_days", days).Msg("pruned old history")
	}
	return removed, nil
}
