package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/promptforge/chaind/internal/session"

// Config configures the session store.
type Config struct {
	// Dir is the root directory for durable session state.
	Dir string

	// MaxRunsPerChain bounds retained run history per base chain id
	// (default: 5).
	MaxRunsPerChain int

	// StaleAfter is the age threshold for CleanupStaleSessions
	// (default: 24h).
	StaleAfter time.Duration
}

// DefaultConfig returns sensible defaults rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:             dir,
		MaxRunsPerChain: 5,
		StaleAfter:      24 * time.Hour,
	}
}

// runRecord ties one run number to its session id inside the run index.
type runRecord struct {
	Run       int    `json:"run"`
	SessionID string `json:"session_id"`
}

// runIndex is the durable per-base-chain run bookkeeping. Counters never
// decrease, even when runs are pruned, so new runs never collide with
// historical ones.
type runIndex struct {
	Counters map[string]int         `json:"counters"`
	Runs     map[string][]runRecord `json:"runs"`
}

// Store is the durable, keyed chain session store. Every mutating call is
// read-modify-persist: the mutation is applied to a clone, written to disk
// (with one synchronous retry), and only then made visible in memory. All
// records are reloaded at construction, so the state machine behaves
// identically across process restarts.
type Store struct {
	cfg    *Config
	fs     afero.Fs
	logger *zap.Logger

	createCounter   metric.Int64Counter
	completeCounter metric.Int64Counter
	cleanupCounter  metric.Int64Counter

	mu       sync.Mutex
	sessions map[string]*ChainSession
	index    runIndex
}

// NewStore creates a store rooted at cfg.Dir on the given filesystem and
// loads all existing records. Pass afero.NewOsFs() in production.
func NewStore(cfg *Config, fs afero.Fs, logger *zap.Logger) (*Store, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, fmt.Errorf("session store requires a directory")
	}
	if cfg.MaxRunsPerChain <= 0 {
		cfg.MaxRunsPerChain = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		cfg:      cfg,
		fs:       fs,
		logger:   logger,
		sessions: make(map[string]*ChainSession),
		index: runIndex{
			Counters: make(map[string]int),
			Runs:     make(map[string][]runRecord),
		},
	}
	s.initMetrics()

	if err := fs.MkdirAll(s.sessionsDir(), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.createCounter, err = meter.Int64Counter(
		"chaind.session.creates_total",
		metric.WithDescription("Total number of chain sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		s.logger.Warn("failed to create session counter", zap.Error(err))
	}

	s.completeCounter, err = meter.Int64Counter(
		"chaind.session.steps_completed_total",
		metric.WithDescription("Total number of chain steps completed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		s.logger.Warn("failed to create step counter", zap.Error(err))
	}

	s.cleanupCounter, err = meter.Int64Counter(
		"chaind.session.stale_removed_total",
		metric.WithDescription("Total number of stale sessions removed"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		s.logger.Warn("failed to create cleanup counter", zap.Error(err))
	}
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.cfg.Dir, "sessions")
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.sessionsDir(), sessionID+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.cfg.Dir, "runs.json")
}

// load reads the run index and every session record from disk.
func (s *Store) load() error {
	data, err := afero.ReadFile(s.fs, s.indexPath())
	if err == nil {
		if err := json.Unmarshal(data, &s.index); err != nil {
			return fmt.Errorf("corrupt run index: %w", err)
		}
		if s.index.Counters == nil {
			s.index.Counters = make(map[string]int)
		}
		if s.index.Runs == nil {
			s.index.Runs = make(map[string][]runRecord)
		}
	}

	entries, err := afero.ReadDir(s.fs, s.sessionsDir())
	if err != nil {
		return fmt.Errorf("failed to read sessions directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.sessionsDir(), entry.Name())
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			return fmt.Errorf("failed to read session file %s: %w", path, err)
		}
		var sess ChainSession
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("skipping corrupt session record",
				zap.String("path", path), zap.Error(err))
			continue
		}
		s.sessions[sess.SessionID] = &sess
	}

	s.logger.Info("loaded chain sessions",
		zap.String("dir", s.cfg.Dir), zap.Int("count", len(s.sessions)))
	return nil
}

// writeFile persists data with one synchronous retry. A second failure is
// fatal for the calling operation: the caller must not continue with an
// unsaved mutation.
func (s *Store) writeFile(path string, data []byte) error {
	if err := afero.WriteFile(s.fs, path, data, 0o600); err != nil {
		s.logger.Warn("session write failed, retrying once",
			zap.String("path", path), zap.Error(err))
		if err := afero.WriteFile(s.fs, path, data, 0o600); err != nil {
			return fmt.Errorf("failed to persist %s after retry: %w", path, err)
		}
	}
	return nil
}

// commit persists a mutated clone and makes it visible in memory. Callers
// hold s.mu.
func (s *Store) commit(sess *ChainSession) error {
	sess.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.writeFile(s.sessionPath(sess.SessionID), data); err != nil {
		return err
	}
	s.sessions[sess.SessionID] = sess
	return nil
}

// commitIndex persists the run index. Callers hold s.mu.
func (s *Store) commitIndex() error {
	data, err := json.MarshalIndent(&s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run index: %w", err)
	}
	return s.writeFile(s.indexPath(), data)
}

// CreateSession creates a session for an explicit chain id. The chain id's
// run number is registered in the run index so later runs never collide.
// Fails if totalSteps < 1 or the session id already exists.
func (s *Store) CreateSession(sessionID, chainID string, totalSteps int, originalArgs map[string]string, blueprint *Blueprint) (*ChainSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if totalSteps < 1 {
		return nil, ErrInvalidTotalSteps
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	now := time.Now()
	sess := &ChainSession{
		SessionID: sessionID,
		ChainID:   chainID,
		State: ChainState{
			CurrentStep: 1,
			TotalSteps:  totalSteps,
			StepStates:  make(map[int]*StepMetadata),
		},
		OriginalArgs: originalArgs,
		Blueprint:    blueprint,
		CreatedAt:    now,
	}

	base, run := SplitChainID(chainID)
	if run > 0 {
		if run > s.index.Counters[base] {
			s.index.Counters[base] = run
		}
		s.index.Runs[base] = append(s.index.Runs[base], runRecord{Run: run, SessionID: sessionID})
		s.pruneRunsLocked(base)
		if err := s.commitIndex(); err != nil {
			return nil, err
		}
	}

	if err := s.commit(sess); err != nil {
		return nil, err
	}

	if s.createCounter != nil {
		s.createCounter.Add(context.Background(), 1)
	}
	s.logger.Info("created chain session",
		zap.String("session_id", sessionID),
		zap.String("chain_id", chainID),
		zap.Int("total_steps", totalSteps))

	return sess.clone()
}

// StartRun allocates the next run number for a base chain id and creates a
// fresh session for it. Run numbering is monotonic per base chain even after
// older runs are pruned from history.
func (s *Store) StartRun(sessionID, baseChainID string, totalSteps int, originalArgs map[string]string, blueprint *Blueprint) (*ChainSession, error) {
	s.mu.Lock()
	next := s.index.Counters[baseChainID] + 1
	s.mu.Unlock()

	return s.CreateSession(sessionID, ChainRunID(baseChainID, next), totalSteps, originalArgs, blueprint)
}

// pruneRunsLocked trims a base chain's run history to the configured bound,
// removing session records and index entries for the oldest runs without
// renumbering the rest.
func (s *Store) pruneRunsLocked(base string) {
	records := s.index.Runs[base]
	if len(records) <= s.cfg.MaxRunsPerChain {
		return
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Run < records[j].Run })

	drop := records[:len(records)-s.cfg.MaxRunsPerChain]
	s.index.Runs[base] = records[len(records)-s.cfg.MaxRunsPerChain:]

	for _, rec := range drop {
		delete(s.sessions, rec.SessionID)
		if err := s.fs.Remove(s.sessionPath(rec.SessionID)); err != nil {
			s.logger.Warn("failed to remove pruned session file",
				zap.String("session_id", rec.SessionID), zap.Error(err))
		}
		s.logger.Debug("pruned chain run",
			zap.String("base_chain_id", base),
			zap.Int("run", rec.Run),
			zap.String("session_id", rec.SessionID))
	}
}

// GetSession returns a copy of the session, or ErrNotFound.
func (s *Store) GetSession(sessionID string) (*ChainSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return sess.clone()
}

// FindRun returns the session for an exact chain id (an explicit resume
// target), dormant or not.
func (s *Store) FindRun(chainID string) (*ChainSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.ChainID == chainID {
			return sess.clone()
		}
	}
	return nil, fmt.Errorf("%w: chain %s", ErrNotFound, chainID)
}

// LatestRun returns the most recent run for a base chain id, if any is
// retained.
func (s *Store) LatestRun(baseChainID string) (*ChainSession, error) {
	s.mu.Lock()
	records := s.index.Runs[baseChainID]
	var best *runRecord
	for i := range records {
		if best == nil || records[i].Run > best.Run {
			best = &records[i]
		}
	}
	var sessionID string
	if best != nil {
		sessionID = best.SessionID
	}
	s.mu.Unlock()

	if sessionID == "" {
		return nil, fmt.Errorf("%w: chain %s", ErrNotFound, baseChainID)
	}
	return s.GetSession(sessionID)
}

// TransitionStepState moves a step to a new state. Transitions to a state
// equal to or behind the current one are a no-op returning false for
// non-placeholder steps; placeholder completions may be rewritten in place.
func (s *Store) TransitionStepState(sessionID string, step int, state StepState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("invalid step state %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if step < 1 || step > sess.State.TotalSteps {
		return false, fmt.Errorf("%w: %d of %d", ErrInvalidStep, step, sess.State.TotalSteps)
	}

	next, err := sess.clone()
	if err != nil {
		return false, err
	}
	meta := next.Step(step)
	if !meta.IsPlaceholder && stepOrder[state] <= stepOrder[meta.State] {
		return false, nil
	}
	meta.State = state
	if err := s.commit(next); err != nil {
		return false, err
	}
	return true, nil
}

// SetStepOutput records a step's captured content and output binding, moving
// the step to RESPONSE_CAPTURED (or replacing a placeholder completion in
// place with the real response).
func (s *Store) SetStepOutput(sessionID string, step int, content, outputMapping string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if step < 1 || step > sess.State.TotalSteps {
		return fmt.Errorf("%w: %d of %d", ErrInvalidStep, step, sess.State.TotalSteps)
	}

	next, err := sess.clone()
	if err != nil {
		return err
	}
	meta := next.Step(step)
	meta.Content = content
	meta.CapturedAt = time.Now()
	if outputMapping != "" {
		meta.OutputMapping = outputMapping
	}
	if meta.IsPlaceholder {
		// Real response replaces the provisional completion in place.
		meta.IsPlaceholder = false
	} else if stepOrder[meta.State] < stepOrder[StepResponseCaptured] {
		meta.State = StepResponseCaptured
	}
	return s.commit(next)
}

// CompleteOptions tunes CompleteStep behavior.
type CompleteOptions struct {
	// Placeholder marks the completion as provisional; the real response may
	// replace it later via SetStepOutput.
	Placeholder bool

	// PreservePlaceholder completes the step without advancing CurrentStep,
	// leaving the advance to the real response capture.
	PreservePlaceholder bool

	// Content, when non-empty, is recorded as the step's output.
	Content string
}

// CompleteStep marks a step COMPLETED and, unless a placeholder is being
// preserved, advances CurrentStep by exactly one. CurrentStep never moves
// backwards.
func (s *Store) CompleteStep(sessionID string, step int, opts CompleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if step < 1 || step > sess.State.TotalSteps {
		return fmt.Errorf("%w: %d of %d", ErrInvalidStep, step, sess.State.TotalSteps)
	}

	next, err := sess.clone()
	if err != nil {
		return err
	}
	meta := next.Step(step)
	meta.State = StepCompleted
	if opts.Placeholder || opts.PreservePlaceholder {
		meta.IsPlaceholder = true
	}
	if opts.Content != "" {
		meta.Content = opts.Content
		meta.CapturedAt = time.Now()
	}
	if !opts.PreservePlaceholder && step >= next.State.CurrentStep {
		next.State.CurrentStep = step + 1
	}
	if err := s.commit(next); err != nil {
		return err
	}

	if s.completeCounter != nil {
		s.completeCounter.Add(context.Background(), 1)
	}
	s.logger.Debug("completed chain step",
		zap.String("session_id", sessionID),
		zap.Int("step", step),
		zap.Int("current_step", next.State.CurrentStep))
	return nil
}

// AdvanceStep explicitly advances CurrentStep by one. It is used after a
// gate PASS, absence of gates, or a non-blocking enforcement mode, and
// refuses to run while a gate review is pending.
func (s *Store) AdvanceStep(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.PendingReview != nil {
		return fmt.Errorf("%w: session %s", ErrReviewPending, sessionID)
	}

	next, err := sess.clone()
	if err != nil {
		return err
	}
	next.State.CurrentStep++
	return s.commit(next)
}

// DeleteSession removes a session record and its run-index entry without
// touching the run counter.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(sessionID)
}

func (s *Store) removeLocked(sessionID string) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	base, _ := SplitChainID(sess.ChainID)
	records := s.index.Runs[base]
	kept := records[:0]
	for _, rec := range records {
		if rec.SessionID != sessionID {
			kept = append(kept, rec)
		}
	}
	s.index.Runs[base] = kept
	if err := s.commitIndex(); err != nil {
		return err
	}

	delete(s.sessions, sessionID)
	if err := s.fs.Remove(s.sessionPath(sessionID)); err != nil {
		s.logger.Warn("failed to remove session file",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// CleanupStaleSessions removes sessions whose last mutation is older than the
// configured threshold and returns how many were removed.
func (s *Store) CleanupStaleSessions() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	var stale []string
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	removed := 0
	for _, id := range stale {
		if err := s.removeLocked(id); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		if s.cleanupCounter != nil {
			s.cleanupCounter.Add(context.Background(), int64(removed))
		}
		s.logger.Info("removed stale sessions", zap.Int("count", removed))
	}
	return removed, nil
}

// Count returns the number of retained sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
