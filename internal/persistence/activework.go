package persistence

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActiveSessionInfo is one active session's summary in active-work.json.
type ActiveSessionInfo struct {
	IssueID         string    `json:"issueId"`
	IssueIdentifier string    `json:"issueIdentifier"`
	RepositoryID    string    `json:"repositoryId"`
	StartedAt       time.Time `json:"startedAt"`
}

// ActiveWork is the whole active-work.json document.
type ActiveWork struct {
	IsWorking      bool                         `json:"isWorking"`
	ActiveSessions map[string]ActiveSessionInfo `json:"activeSessions"`
	LastUpdated    time.Time                    `json:"lastUpdated"`
}

// newActiveWork returns an empty document.
func newActiveWork() *ActiveWork {
	return &ActiveWork{ActiveSessions: make(map[string]ActiveSessionInfo)}
}

// LoadActiveWork reads active-work.json. Corruption or absence is treated
// as nothing active; the file is recreated on the next write.
func (s *Store) LoadActiveWork() *ActiveWork {
	data, err := ReadFileOrEmpty(s.activeWorkPath())
	if err != nil || len(data) == 0 {
		return newActiveWork()
	}
	var work ActiveWork
	if err := json.Unmarshal(data, &work); err != nil {
		s.log.Warn("active-work file is corrupted, treating as empty")
		return newActiveWork()
	}
	if work.ActiveSessions == nil {
		work.ActiveSessions = make(map[string]ActiveSessionInfo)
	}
	return &work
}

// AddActiveSession records a session as active, rewriting the whole
// document.
func (s *Store) AddActiveSession(sessionID string, info ActiveSessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.LoadActiveWork()
	work.ActiveSessions[sessionID] = info
	return s.saveActiveWork(work)
}

// RemoveActiveSession drops a session from the active set. Removing an
// unknown session is a no-op rewrite.
func (s *Store) RemoveActiveSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.LoadActiveWork()
	delete(work.ActiveSessions, sessionID)
	return s.saveActiveWork(work)
}

// ClearActiveWork resets the document to empty.
func (s *Store) ClearActiveWork() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveActiveWork(newActiveWork())
}

func (s *Store) saveActiveWork(work *ActiveWork) error {
	work.IsWorking = len(work.ActiveSessions) > 0
	work.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(work, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal active work: %w", err)
	}
	data = append(data, '\n')
	if err := AtomicWrite(s.activeWorkPath(), data, stateFileMode); err != nil {
		return fmt.Errorf("failed to write active work: %w", err)
	}
	return nil
}
