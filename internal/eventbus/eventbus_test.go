package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrder(t *testing.T) {
	b := New[int](nil)

	var mu sync.Mutex
	var got []int
	b.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		b.Publish(i)
	}
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := New[string](nil)

	var got []string
	b.Subscribe(func(string) { panic("boom") })
	b.Subscribe(func(v string) { got = append(got, v) })

	b.Publish("a")
	b.Publish("b")
	b.Wait()

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestUnsubscribe(t *testing.T) {
	b := New[int](nil)

	count := 0
	unsubscribe := b.Subscribe(func(int) { count++ })
	assert.Equal(t, 1, b.Len())

	b.Publish(1)
	b.Wait()
	unsubscribe()
	unsubscribe()
	b.Publish(2)
	b.Wait()

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.Len())
}

func TestPublishFromSubscriber(t *testing.T) {
	b := New[int](nil)

	var got []int
	b.Subscribe(func(v int) {
		got = append(got, v)
		if v < 3 {
			b.Publish(v + 1)
		}
	})

	b.Publish(0)
	b.Wait()
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}
