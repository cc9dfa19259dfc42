package ids

import (
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateULIDShape(t *testing.T) {
	id := CreateULID()
	assert.Len(t, id, 26)
	assert.Equal(t, strings.ToUpper(id), id)
}

func TestCreateULIDIsMonotonic(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = CreateULID()
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids)
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const n = 500
	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := CreateULID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestCreateFlowIDIsMarkedGenerated(t *testing.T) {
	assert.True(t, strings.HasPrefix(CreateFlowID(), "gen_"))
}
