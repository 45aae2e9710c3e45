package profile

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testProfiles(n int) []Profile {
	out := make([]Profile, n)
	for i := range out {
		out[i] = Profile{Condition: "A", SubjectID: fmt.Sprintf("s%02d", i)}
	}
	return out
}

func TestPool_AssignPopsHead(t *testing.T) {
	p := NewPool(testProfiles(3))

	got, ok := p.Assign()
	require.True(t, ok)
	require.Equal(t, "A/s00", got.FQName())
	require.Equal(t, 2, p.Len())
	require.Equal(t, 3, p.Loaded())
}

func TestPool_ReturnInsertsAtHead(t *testing.T) {
	p := NewPool(testProfiles(3))
	first, _ := p.Assign()
	second, _ := p.Assign()

	require.True(t, p.Return(first))
	require.True(t, p.Return(second))

	next, ok := p.Assign()
	require.True(t, ok)
	require.Equal(t, second.FQName(), next.FQName(), "most recent return is offered first")
}

func TestPool_ReturnRejectsForeignAndDuplicate(t *testing.T) {
	p := NewPool(testProfiles(2))

	require.False(t, p.Return(Profile{Condition: "B", SubjectID: "zz"}), "foreign profile")
	require.False(t, p.Return(Profile{Condition: "A", SubjectID: "s01"}), "already queued")
	require.Equal(t, 2, p.Len())
}

func TestPool_Claim(t *testing.T) {
	p := NewPool(testProfiles(4))

	got, ok := p.Claim("A/s02")
	require.True(t, ok)
	require.Equal(t, "s02", got.SubjectID)
	require.Equal(t, []string{"A/s00", "A/s01", "A/s03"}, names(p.Snapshot()))

	_, ok = p.Claim("A/s02")
	require.False(t, ok)
}

func TestPool_EmptyAssign(t *testing.T) {
	p := NewPool(nil)
	_, ok := p.Assign()
	require.False(t, ok)
}

func TestPool_ConcurrentAssignIsExclusive(t *testing.T) {
	const n = 200
	p := NewPool(testProfiles(n))

	var (
		mu       sync.Mutex
		seen     = make(map[string]int)
		returned = make(map[string]bool)
		wg       sync.WaitGroup
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				pr, ok := p.Assign()
				if !ok {
					return
				}
				mu.Lock()
				seen[pr.FQName()]++
				giveBack := pr.SubjectID[len(pr.SubjectID)-1] == '7' && !returned[pr.FQName()]
				returned[pr.FQName()] = true
				mu.Unlock()
				if giveBack {
					p.Return(pr)
				}
			}
		}()
	}
	wg.Wait()

	for name, count := range seen {
		want := 1
		if name[len(name)-1] == '7' {
			want = 2
		}
		require.Equal(t, want, count, "profile %s", name)
	}
	require.Equal(t, 0, p.Len())
}

func names(ps []Profile) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.FQName()
	}
	return out
}
