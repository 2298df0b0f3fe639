package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	fails, unsubFails := b.Subscribe(4, TypeTaskFailed)
	defer unsubFails()

	b.Publish(Event{Type: TypeFired, Key: "a"})
	b.Publish(Event{Type: TypeTaskFailed, Key: "a"})

	e := <-all
	assert.Equal(t, TypeFired, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, TypeTaskFailed, (<-all).Type)

	e = <-fails
	assert.Equal(t, TypeTaskFailed, e.Type)
	assert.Len(t, fails, 0)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TypeFired})
	b.Publish(Event{Type: TypeFired})
	assert.Equal(t, uint64(1), b.Dropped())

	unsub()
	unsub()
	_, ok := <-ch
	require.True(t, ok)
	_, ok = <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe is harmless.
	b.Publish(Event{Type: TypeFired})
}
