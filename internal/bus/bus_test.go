package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FIFO(t *testing.T) {
	t.Parallel()

	b := New[int]()

	for i := range 5 {
		require.True(t, b.Send(i))
	}

	assert.Equal(t, 5, b.Len())

	v, ok := b.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 0, v)

	assert.Equal(t, []int{1, 2, 3, 4}, b.Drain())
	assert.Zero(t, b.Len())

	_, ok = b.TryRecv()
	assert.False(t, ok)
	assert.Empty(t, b.Drain())
}

func TestBus_ManyProducersKeepPerProducerOrder(t *testing.T) {
	t.Parallel()

	type msg struct{ producer, seq int }

	const (
		producers = 8
		perEach   = 500
	)

	b := New[msg]()

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perEach {
				b.Send(msg{producer: p, seq: i})
			}
		}()
	}

	wg.Wait()

	got := b.Drain()
	require.Len(t, got, producers*perEach)

	next := make([]int, producers)
	for _, m := range got {
		assert.Equal(t, next[m.producer], m.seq)
		next[m.producer]++
	}
}

func TestBus_ReadySignal(t *testing.T) {
	t.Parallel()

	b := New[string]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Send("hello")
	}()

	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
	}

	v, ok := b.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestBus_Closed(t *testing.T) {
	t.Parallel()

	b := New[int]()
	b.Send(1)
	b.Close()

	assert.False(t, b.Send(2))
	assert.Equal(t, []int{1}, b.Drain())
}
