package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemoryBus()
	var got []string
	sub, err := b.Subscribe("d-1", func(ev *protocol.TaskEvent) {
		got = append(got, ev.Message)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, b.Publish(context.Background(), "d-1", protocol.NewStatusEvent("d-1", "progress", msg)))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestMemoryBusIsolatesSubjects(t *testing.T) {
	b := NewMemoryBus()
	var count int
	_, err := b.Subscribe("d-1", func(ev *protocol.TaskEvent) { count++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "d-2", protocol.NewStatusEvent("d-2", "running", "")))
	assert.Zero(t, count)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	var count int
	sub, err := b.Subscribe("d-1", func(ev *protocol.TaskEvent) { count++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "d-1", protocol.NewStatusEvent("d-1", "running", "")))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "d-1", protocol.NewStatusEvent("d-1", "running", "")))
	assert.Equal(t, 1, count)
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	b := NewMemoryBus()
	var a, c int
	_, err := b.Subscribe("d-1", func(ev *protocol.TaskEvent) { a++ })
	require.NoError(t, err)
	_, err = b.Subscribe("d-1", func(ev *protocol.TaskEvent) { c++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "d-1", protocol.NewStatusEvent("d-1", "running", "")))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, c)
}
