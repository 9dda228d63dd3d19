package stream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tarunm/consolestream/internal/models"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)

	assert.False(t, rb.Add(1))
	assert.False(t, rb.Add(2))
	assert.False(t, rb.Add(3))
	assert.True(t, rb.Add(4))

	assert.Equal(t, []int{2, 3, 4}, rb.All())
	assert.Equal(t, []int{3, 4}, rb.GetLast(2))
	assert.Equal(t, []int{2, 3, 4}, rb.GetLast(10))
	assert.Empty(t, rb.GetLast(0))
	assert.Equal(t, uint64(1), rb.Evictions())

	latest, ok := rb.Latest()
	assert.True(t, ok)
	assert.Equal(t, 4, latest)
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer[string](2)
	rb.Add("a")
	rb.Add("b")
	rb.Clear()

	assert.Equal(t, 0, rb.Size())
	assert.Empty(t, rb.All())
	_, ok := rb.Latest()
	assert.False(t, ok)

	rb.Add("c")
	assert.Equal(t, []string{"c"}, rb.All())
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	rb := NewRingBuffer[int](0)
	assert.Equal(t, 1, rb.Capacity())

	rb.Add(1)
	rb.Add(2)
	assert.Equal(t, []int{2}, rb.All())
}

func TestRingBufferConcurrentAdds(t *testing.T) {
	rb := NewRingBuffer[int](50)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Add(i)
				rb.GetLast(5)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, rb.Size())
	assert.Equal(t, uint64(750), rb.Evictions())
}

func TestBuffersConsoleKeepsNewest(t *testing.T) {
	b := NewBuffers(500, 1)
	for i := 0; i <= 500; i++ {
		b.Append(models.Event{Kind: models.KindConsole, Line: fmt.Sprintf("line-%d", i)})
	}

	history := b.History(models.KindConsole)
	assert.Len(t, history, 500)
	assert.Equal(t, "line-1", history[0].Line)
	assert.Equal(t, "line-500", history[499].Line)
}

func TestBuffersStatusAndMetricsKeepLatest(t *testing.T) {
	b := NewBuffers(10, 1)
	assert.Nil(t, b.Latest(models.KindStatus))

	b.Append(models.Event{Kind: models.KindStatus, Status: models.StatusStarting})
	b.Append(models.Event{Kind: models.KindStatus, Status: models.StatusRunning})
	b.Append(models.Event{Kind: models.KindMetrics, Metrics: &models.MetricsSample{Values: map[string]float64{"cpu": 1}}})
	b.Append(models.Event{Kind: models.KindMetrics, Metrics: &models.MetricsSample{Values: map[string]float64{"cpu": 2}}})

	assert.Equal(t, models.StatusRunning, b.Latest(models.KindStatus).Status)
	assert.Len(t, b.History(models.KindStatus), 1)
	assert.Equal(t, 2.0, b.Latest(models.KindMetrics).Metrics.Values["cpu"])
	assert.Len(t, b.History(models.KindMetrics), 1)
}

func TestBuffersMetricsHistory(t *testing.T) {
	b := NewBuffers(10, 3)
	for i := 0; i < 5; i++ {
		b.Append(models.Event{Kind: models.KindMetrics, Metrics: &models.MetricsSample{Values: map[string]float64{"tick": float64(i)}}})
	}

	history := b.History(models.KindMetrics)
	assert.Len(t, history, 3)
	assert.Equal(t, 2.0, history[0].Metrics.Values["tick"])
	assert.Equal(t, 3, b.Capacity(models.KindMetrics))
}

func TestBuffersClearOneKind(t *testing.T) {
	b := NewBuffers(10, 1)
	b.Append(models.Event{Kind: models.KindConsole, Line: "hello"})
	b.Append(models.Event{Kind: models.KindStatus, Status: models.StatusRunning})

	b.Clear(models.KindConsole)
	assert.Empty(t, b.History(models.KindConsole))
	assert.NotNil(t, b.Latest(models.KindStatus))
}
