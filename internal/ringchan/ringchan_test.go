package ringchan_test

import (
	"sync"
	"testing"

	"github.com/srg/blelink/internal/ringchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](rc *ringchan.Channel[T]) []T {
	var out []T
	for v := range rc.C() {
		out = append(out, v)
	}
	return out
}

func TestSendOverwritesOldest(t *testing.T) {
	rc := ringchan.New[int](3)
	for i := 0; i < 10; i++ {
		require.True(t, rc.Send(i))
	}
	rc.Close()

	assert.Equal(t, []int{7, 8, 9}, drain(rc))

	m := rc.GetMetrics()
	assert.EqualValues(t, 10, m.Written)
	assert.EqualValues(t, 7, m.Overwritten)
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	rc := ringchan.New[int](2)
	rc.Close()
	rc.Close()

	assert.False(t, rc.Send(1))
	assert.Empty(t, drain(rc))
}

func TestConcurrentProducersNeverBlock(t *testing.T) {
	rc := ringchan.New[int](4)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()
	rc.Close()

	assert.Len(t, drain(rc), 4)
	assert.EqualValues(t, 8000, rc.GetMetrics().Written)
}

func TestNewPanicsOnInvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { ringchan.New[int](0) })
}
