package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := New()
	a, c := b.Subscribe(), b.Subscribe()

	b.Publish(KindStateChanged, "EXCLUSIVE_ACTIVE")

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		assert.Equal(t, KindStateChanged, ev.Kind)
		assert.Equal(t, "EXCLUSIVE_ACTIVE", ev.Payload)
		assert.False(t, ev.At.IsZero())
	}
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.Publish(KindCountdown, i)
	}
	assert.Len(t, ch, cap(ch))
	first := <-ch
	assert.Equal(t, 0, first.Payload)
}

func TestBus_Close(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Close()
	b.Publish(KindStateChanged, nil)

	_, ok := <-ch
	require.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	b.Close()
}
