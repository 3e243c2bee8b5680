package persistence

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
)

const (
	stateFileName      = "edge-worker-state.json"
	activeWorkFileName = "active-work.json"
	stateFileMode      = 0o644

	// StateVersion is the on-disk document version. Documents with any
	// other version are discarded on load.
	StateVersion = 2
)

// WorkerState is the persisted session registry.
type WorkerState struct {
	AgentSessions              map[string]session.Snapshot          `json:"agentSessions"`
	AgentSessionEntries        map[string][]session.NarrativeEntry  `json:"agentSessionEntries"`
	ChildToParentAgentSession  map[string]string                    `json:"childToParentAgentSession"`
	IssueRepositoryCache       map[string]string                    `json:"issueRepositoryCache"`
	SessionRunnerSelections    map[string]runner.Selection          `json:"sessionRunnerSelections"`
	FinalizedNonClaudeSessions []string                             `json:"finalizedNonClaudeSessions"`
}

// NewWorkerState returns an empty state with all maps allocated.
func NewWorkerState() *WorkerState {
	return &WorkerState{
		AgentSessions:              make(map[string]session.Snapshot),
		AgentSessionEntries:        make(map[string][]session.NarrativeEntry),
		ChildToParentAgentSession:  make(map[string]string),
		IssueRepositoryCache:       make(map[string]string),
		SessionRunnerSelections:    make(map[string]runner.Selection),
		FinalizedNonClaudeSessions: []string{},
	}
}

// normalize allocates any maps a hand-edited or older document left nil.
func (s *WorkerState) normalize() {
	if s.AgentSessions == nil {
		s.AgentSessions = make(map[string]session.Snapshot)
	}
	if s.AgentSessionEntries == nil {
		s.AgentSessionEntries = make(map[string][]session.NarrativeEntry)
	}
	if s.ChildToParentAgentSession == nil {
		s.ChildToParentAgentSession = make(map[string]string)
	}
	if s.IssueRepositoryCache == nil {
		s.IssueRepositoryCache = make(map[string]string)
	}
	if s.SessionRunnerSelections == nil {
		s.SessionRunnerSelections = make(map[string]runner.Selection)
	}
	if s.FinalizedNonClaudeSessions == nil {
		s.FinalizedNonClaudeSessions = []string{}
	}
}

// stateDocument is the on-disk envelope.
type stateDocument struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"savedAt"`
	State   *WorkerState `json:"state"`
}

// Store persists the worker state documents under one directory. All writes
// go through AtomicWrite and are sequenced by a mutex; the orchestrator
// additionally funnels state saves through a single Writer goroutine.
type Store struct {
	dir string
	log *logger.Logger

	mu sync.Mutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, log *logger.Logger) *Store {
	return &Store{dir: dir, log: log}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, stateFileName)
}

func (s *Store) activeWorkPath() string {
	return filepath.Join(s.dir, activeWorkFileName)
}

// Save atomically writes the full state document.
func (s *Store) Save(state *WorkerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := stateDocument{
		Version: StateVersion,
		SavedAt: time.Now().UTC(),
		State:   state,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')
	if err := AtomicWrite(s.statePath(), data, stateFileMode); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// Load reads the state document. A missing file, corrupted JSON, or version
// mismatch yields nil: the worker starts fresh rather than guessing at
// partial state.
func (s *Store) Load() *WorkerState {
	data, err := ReadFileOrEmpty(s.statePath())
	if err != nil {
		s.log.Warn("Failed to read state file, starting fresh",
			zap.String("path", s.statePath()), zap.Error(err))
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn("State file is corrupted, starting fresh",
			zap.String("path", s.statePath()), zap.Error(err))
		return nil
	}
	if doc.Version != StateVersion {
		s.log.Warn("State file version mismatch, discarding",
			zap.Int("found", doc.Version), zap.Int("expected", StateVersion))
		return nil
	}
	if doc.State == nil {
		return nil
	}
	doc.State.normalize()
	return doc.State
}
