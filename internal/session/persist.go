package session

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// SaveFile serializes all live sessions to a JSON file so conversations
// survive restarts.
func (s *Store) SaveFile(path string) error {
	s.mu.Lock()
	records := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		records = append(records, snapshot(sess))
	}
	s.mu.Unlock()

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}

	s.logger.Info("sessions saved", "path", path, "count", len(records))
	return nil
}

// LoadFile restores sessions from a file written by SaveFile. Existing
// sessions with the same id are left untouched.
func (s *Store) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sessions: %w", err)
	}

	var records []*Session
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var loaded int
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, exists := s.sessions[rec.ID]; exists {
			continue
		}
		if rec.MaxHistory <= 0 {
			rec.MaxHistory = s.cfg.DefaultMaxHistory
		}
		s.sessions[rec.ID] = rec
		loaded++
	}

	s.logger.Info("sessions loaded", "path", path, "count", loaded)
	return nil
}
