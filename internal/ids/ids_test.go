package ids

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestNewIsSortable(t *testing.T) {
	const total = 100
	got := make([]string, total)
	for i := range got {
		got[i] = New()
	}

	for i := 1; i < total; i++ {
		require.Less(t, got[i-1], got[i])
	}
	_, err := ulid.ParseStrict(got[0])
	require.NoError(t, err)
}

func TestNewConcurrent(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]struct{}{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := New()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 400)
}
