package profile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is returned when a profile file does not exist.
var ErrNotFound = errors.New("profile: not found")

// OrderingFunc produces the per-subject material for a new profile.
type OrderingFunc func(condition string, rng *rand.Rand) []string

// StoreConfig configures a profile Store.
type StoreConfig struct {
	// Dir is the profiles directory of the bundle.
	Dir string

	// SubjectIDLength and SubjectIDSymbols control generated ids.
	SubjectIDLength  int
	SubjectIDSymbols string

	// Rand is the source for ids and shuffling (default: randomly seeded).
	Rand *rand.Rand

	Logger *slog.Logger
}

// Store reads and writes profiles under a bundle's profiles directory.
type Store struct {
	dir    string
	ids    subjectIDs
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewStore creates a Store rooted at cfg.Dir, creating the directory if needed.
func NewStore(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("profile store: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("profile store: create dir: %w", err)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		dir:    cfg.Dir,
		ids:    newSubjectIDs(cfg.SubjectIDLength, cfg.SubjectIDSymbols),
		logger: cfg.Logger,
		rng:    cfg.Rand,
	}, nil
}

// Dir returns the profiles directory.
func (s *Store) Dir() string {
	return s.dir
}

// Conditions returns the condition directories present on disk, sorted.
func (s *Store) Conditions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("profile store: read dir: %w", err)
	}
	var conds []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			conds = append(conds, e.Name())
		}
	}
	return conds, nil
}

// Make creates perCondition new profiles for each condition and persists
// them. Subject ids are unique against every profile already on disk for
// the condition as well as the ones created in this call.
func (s *Store) Make(ctx context.Context, conditions []string, perCondition int, order OrderingFunc) ([]Profile, error) {
	if perCondition <= 0 {
		return nil, fmt.Errorf("profile store: profiles per condition must be positive, got %d", perCondition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var made []Profile
	for _, cond := range conditions {
		if err := ctx.Err(); err != nil {
			return made, err
		}
		taken, err := s.subjectIDsLocked(cond)
		if err != nil {
			return made, err
		}
		for range perCondition {
			id, err := s.ids.next(s.rng, taken)
			if err != nil {
				return made, fmt.Errorf("profile store: condition %s: %w", cond, err)
			}
			taken[id] = struct{}{}

			p := Profile{Condition: cond, SubjectID: id}
			if order != nil {
				p.Ordering = order(cond, s.rng)
			}
			if err := s.save(p); err != nil {
				return made, err
			}
			made = append(made, p)
		}
		s.logger.Info("created profiles", "condition", cond, "count", perCondition)
	}
	return made, nil
}

// Load reads one profile from disk.
func (s *Store) Load(condition, subjectID string) (Profile, error) {
	path := filepath.Join(s.dir, condition, subjectID)
	// #nosec G304 -- path is built from the bundle's profiles dir.
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Profile{}, fmt.Errorf("%w: %s/%s", ErrNotFound, condition, subjectID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile store: open %s/%s: %w", condition, subjectID, err)
	}
	defer f.Close()

	p := Profile{Condition: condition, SubjectID: subjectID}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			p.Ordering = append(p.Ordering, line)
		}
	}
	if err := sc.Err(); err != nil {
		return Profile{}, fmt.Errorf("profile store: read %s/%s: %w", condition, subjectID, err)
	}
	return p, nil
}

// List returns every persisted profile, ordered by condition then subject id.
func (s *Store) List(ctx context.Context) ([]Profile, error) {
	conds, err := s.Conditions()
	if err != nil {
		return nil, err
	}
	var out []Profile
	for _, cond := range conds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := s.subjectIDList(cond)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			p, err := s.Load(cond, id)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// LoadFilter selects which persisted profiles enter a run's pool.
type LoadFilter struct {
	// Conditions restricts the pool to these conditions (empty means all).
	Conditions []string

	// HasResult reports whether the current run already holds a result file
	// for the profile; such profiles are skipped.
	HasResult func(Profile) bool

	// Allowed, when non-nil, restricts the pool to these fully qualified
	// names (the completed set of a replicate source).
	Allowed map[string]struct{}
}

// LoadPool scans persisted profiles, applies f, and returns them shuffled
// as a live pool.
func (s *Store) LoadPool(ctx context.Context, f LoadFilter) (*Pool, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var selected []Profile
	for _, p := range all {
		if len(f.Conditions) > 0 && !slices.Contains(f.Conditions, p.Condition) {
			continue
		}
		if f.Allowed != nil {
			if _, ok := f.Allowed[p.FQName()]; !ok {
				continue
			}
		}
		if f.HasResult != nil && f.HasResult(p) {
			continue
		}
		selected = append(selected, p)
	}

	s.mu.Lock()
	s.rng.Shuffle(len(selected), func(i, j int) {
		selected[i], selected[j] = selected[j], selected[i]
	})
	s.mu.Unlock()

	s.logger.Info("loaded profiles", "count", len(selected), "available", len(all))
	return NewPool(selected), nil
}

func (s *Store) save(p Profile) error {
	dir := filepath.Join(s.dir, p.Condition)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("profile store: create condition dir: %w", err)
	}
	var b strings.Builder
	for _, item := range p.Ordering {
		b.WriteString(item)
		b.WriteByte('\n')
	}
	path := filepath.Join(dir, p.SubjectID)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("profile store: write %s: %w", p.FQName(), err)
	}
	return nil
}

func (s *Store) subjectIDsLocked(condition string) (map[string]struct{}, error) {
	ids, err := s.subjectIDList(condition)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		taken[id] = struct{}{}
	}
	return taken, nil
}

func (s *Store) subjectIDList(condition string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, condition))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile store: read condition %s: %w", condition, err)
	}
	var ids []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
