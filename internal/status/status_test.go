package status

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/rollcall/internal/types"
)

func TestPublisher_InitialWaiting(t *testing.T) {
	p := NewPublisher()

	got := p.Current()
	assert.Equal(t, types.StatusWaiting, got.Status)
	assert.Zero(t, got.IdentityID)
	assert.False(t, got.Recognized())
}

func TestPublisher_SingleWriter(t *testing.T) {
	p := NewPublisher()

	w := p.Writer()
	require.NotNil(t, w)
	assert.Nil(t, p.Writer())
	assert.Nil(t, p.Writer())
}

func TestWriter_PublishAndReset(t *testing.T) {
	p := NewPublisher()
	w := p.Writer()

	o := types.Outcome{IdentityID: 4, Name: "Dana", Similarity: 0.9, Distance: 0.1, Status: types.StatusMarked, Timestamp: time.Now()}
	w.Publish(o)
	assert.Equal(t, o, p.Current())

	w.Reset()
	assert.Equal(t, types.StatusWaiting, p.Current().Status)
}

func TestPublisher_ConcurrentReadersSeeWholeOutcomes(t *testing.T) {
	p := NewPublisher()
	w := p.Writer()

	a := types.Outcome{IdentityID: 1, Name: "Alice", Similarity: 0.9, Distance: 0.1, Status: types.StatusMarked}
	b := types.Outcome{Similarity: 0, Distance: 1, Status: types.StatusUnknown}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := p.Current()
				switch got.Status {
				case types.StatusMarked:
					assert.Equal(t, a, got)
				case types.StatusUnknown:
					assert.Equal(t, b, got)
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		if i%2 == 0 {
			w.Publish(a)
		} else {
			w.Publish(b)
		}
	}
	close(stop)
	wg.Wait()
}
