package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
)

// HistoryFileName is the backing file inside the memory directory.
const HistoryFileName = "conversation_history.txt"

// Store persists one conversation history as a flat text file. It is the
// only writer of that file; concurrent edits by other processes are not
// detected. Store keeps no in-memory copy, so a failed operation leaves
// nothing to roll back.
type Store struct {
	path    string
	trimmer *Trimmer
	policy  *ReinforcementPolicy
	logger  *slog.Logger
}

// NewStore creates a store whose backing file lives in dir. The policy
// supplies the seed exchange as well as periodic reinforcement.
func NewStore(dir string, trimmer *Trimmer, policy *ReinforcementPolicy, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if trimmer == nil {
		trimmer = NewTrimmer(nil, logger)
	}
	return &Store{
		path:    filepath.Join(dir, HistoryFileName),
		trimmer: trimmer,
		policy:  policy,
		logger:  logger,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted history. A missing file is created holding
// only the seed exchange, so identity context exists from the first
// turn. An existing empty file (see Clear) is returned as-is.
func (s *Store) Load() (History, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.initialize()
	}
	if err != nil {
		return History{}, fmt.Errorf("read history: %w", err)
	}

	h, err := Parse(string(data))
	if err != nil {
		var perr *ParseError
		if !errors.As(err, &perr) {
			return History{}, fmt.Errorf("parse history: %w", err)
		}
		s.logger.Warn("history contains malformed exchanges",
			"path", s.path,
			"skipped", len(perr.Lines),
			"lines", perr.Lines,
		)
	}
	return h, nil
}

// initialize writes the seed history to a missing backing file.
func (s *Store) initialize() (History, error) {
	var h History
	if s.policy != nil {
		h.Exchanges = []Exchange{s.policy.Seed()}
	}
	if err := s.Save(h); err != nil {
		return History{}, fmt.Errorf("initialize history: %w", err)
	}
	s.logger.Info("initialized memory with base prompt", "path", s.path)
	return h, nil
}

// Save replaces the backing file with h. The write goes through a
// temporary file and rename, so readers see either the old or the new
// history.
func (s *Store) Save(h History) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create memory directory: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, []byte(h.Serialize()), 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Append records ex, applies the reinforcement policy, trims to budget,
// and saves. It returns the history as persisted.
func (s *Store) Append(ex Exchange, budget int) (History, error) {
	h, err := s.Load()
	if err != nil {
		return History{}, err
	}
	h = h.clone()
	h.Exchanges = append(h.Exchanges, ex)

	if s.policy != nil {
		extra := s.policy.Apply(h, ex)
		if len(extra) > 0 {
			h.Exchanges = append(h.Exchanges, extra...)
			s.logger.Info("added role reinforcement to memory",
				"turns", s.policy.Turns(h),
				"added", len(extra),
			)
		}
	}

	trimmed := s.trimmer.Trim(h, budget)
	if err := s.Save(trimmed); err != nil {
		return History{}, err
	}

	s.logger.Debug("exchange saved to memory",
		"exchanges", trimmed.Len(),
		"tokens", EstimateTokens(trimmed.Serialize()),
		"budget", budget,
	)
	return trimmed, nil
}

// Reinforce appends the manual reinforcement exchange without trimming.
func (s *Store) Reinforce() (History, error) {
	if s.policy == nil {
		return History{}, errors.New("reinforce: no reinforcement policy configured")
	}
	h, err := s.Load()
	if err != nil {
		return History{}, err
	}
	h = h.clone()
	h.Exchanges = append(h.Exchanges, s.policy.Manual())
	if err := s.Save(h); err != nil {
		return History{}, err
	}
	s.logger.Info("added manual role reinforcement to memory", "exchanges", h.Len())
	return h, nil
}

// Clear empties the history. The file is kept, so the next Load does not
// re-seed it.
func (s *Store) Clear() error {
	if err := s.Save(History{}); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	s.logger.Info("memory cleared", "path", s.path)
	return nil
}
