package operation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencer_StartsAtOne(t *testing.T) {
	var s Sequencer

	assert.Equal(t, SequenceID(0), s.Last())
	assert.Equal(t, SequenceID(1), s.Next())
	assert.Equal(t, SequenceID(2), s.Next())
	assert.Equal(t, SequenceID(2), s.Last())
}

func TestSequencer_ConcurrentIDsAreUnique(t *testing.T) {
	var s Sequencer
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[SequenceID]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]SequenceID, 0, perWorker)
			var prev SequenceID
			for i := 0; i < perWorker; i++ {
				id := s.Next()
				assert.Greater(t, id, prev)
				prev = id
				local = append(local, id)
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, SequenceID(workers*perWorker), s.Last())
}
