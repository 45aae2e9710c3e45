package profile

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(t.TempDir(), "profiles")
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(1, 2))
	}
	s, err := NewStore(cfg)
	require.NoError(t, err)
	return s
}

func TestStore_MakePersistsProfiles(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	order := func(cond string, rng *rand.Rand) []string {
		items := []string{cond + "1", cond + "2", cond + "3"}
		rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
		return items
	}

	made, err := s.Make(context.Background(), []string{"A", "B"}, 4, order)
	require.NoError(t, err)
	require.Len(t, made, 8)

	for _, p := range made {
		require.Len(t, p.SubjectID, DefaultSubjectIDLength)
		loaded, err := s.Load(p.Condition, p.SubjectID)
		require.NoError(t, err)
		require.Equal(t, p.Ordering, loaded.Ordering)
	}

	conds, err := s.Conditions()
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, conds)
}

func TestStore_SubjectIDsUniqueAcrossCalls(t *testing.T) {
	// A two-symbol alphabet of length 3 has only 8 ids.
	s := newTestStore(t, StoreConfig{SubjectIDLength: 3, SubjectIDSymbols: "xy"})
	ctx := context.Background()

	_, err := s.Make(ctx, []string{"A"}, 5, nil)
	require.NoError(t, err)
	_, err = s.Make(ctx, []string{"A"}, 3, nil)
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, p := range all {
		require.False(t, seen[p.SubjectID], "duplicate subject id %s", p.SubjectID)
		seen[p.SubjectID] = true
	}
	require.Len(t, seen, 8)

	_, err = s.Make(ctx, []string{"A"}, 1, nil)
	require.ErrorIs(t, err, ErrSubjectIDSpace)
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	_, err := s.Load("A", "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadPoolFilters(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	ctx := context.Background()
	made, err := s.Make(ctx, []string{"A", "B", "C"}, 3, nil)
	require.NoError(t, err)

	done := made[0].FQName()
	allowed := map[string]struct{}{}
	for _, p := range made {
		allowed[p.FQName()] = struct{}{}
	}
	delete(allowed, made[1].FQName())

	pool, err := s.LoadPool(ctx, LoadFilter{
		Conditions: []string{"A", "B"},
		HasResult:  func(p Profile) bool { return p.FQName() == done },
		Allowed:    allowed,
	})
	require.NoError(t, err)

	got := names(pool.Snapshot())
	require.Len(t, got, 4)
	require.NotContains(t, got, done)
	require.NotContains(t, got, made[1].FQName())
	for _, name := range got {
		cond, _, err := ParseFQName(name)
		require.NoError(t, err)
		require.NotEqual(t, "C", cond)
	}
}

func TestStore_IgnoresHiddenFiles(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "A"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "A", ".DS_Store"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), ".git"), 0o755))

	all, err := s.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestParseFQName(t *testing.T) {
	cond, subj, err := ParseFQName("A/QxYzab")
	require.NoError(t, err)
	require.Equal(t, "A", cond)
	require.Equal(t, "QxYzab", subj)

	for _, bad := range []string{"", "A", "/x", "A/", "A/b/c"} {
		_, _, err := ParseFQName(bad)
		require.ErrorIs(t, err, ErrBadName, bad)
	}
}
