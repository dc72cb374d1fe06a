package egress

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ims/internal/bus"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/metrics"
	"ims/internal/repository"
)

func newOutbox(t *testing.T) *repository.OutboxRepo {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ims.db"),
		Profile: database.ProfileStandard,
		Name:    "ims",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return repository.NewOutboxRepo(db.Conn())
}

func TestDrainPublishesAndMarks(t *testing.T) {
	outbox := newOutbox(t)
	b := bus.New(1, 0, 0)
	consumer := b.Topic(bus.TopicPositions).Consumer("downstream")

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		require.NoError(t, outbox.Append(context.Background(), nil, bus.TopicPositions, &domain.Event{
			EventID:    id,
			Kind:       domain.EventPosition,
			SecurityID: "SEC-1",
		}))
	}

	p := NewPublisher(b, outbox, metrics.New())
	p.drain(context.Background())

	for _, want := range []string{"ev-1", "ev-2", "ev-3"} {
		d, err := consumer.Poll(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, want, d.Event.EventID)
		consumer.Ack(d.Partition, d.Offset)
	}

	pending, err := outbox.Unpublished(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainBacksOffOnSaturation(t *testing.T) {
	outbox := newOutbox(t)
	// One partition with a high watermark of 1: the second publish refuses.
	b := bus.New(1, 1, 0)
	b.Topic(bus.TopicPositions).Consumer("downstream")

	for _, id := range []string{"ev-1", "ev-2"} {
		require.NoError(t, outbox.Append(context.Background(), nil, bus.TopicPositions, &domain.Event{
			EventID:    id,
			Kind:       domain.EventPosition,
			SecurityID: "SEC-1",
		}))
	}

	p := NewPublisher(b, outbox, metrics.New())
	p.drain(context.Background())

	// ev-1 went out; ev-2 stays pending with a bumped attempt counter.
	pending, err := outbox.Unpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ev-2", pending[0].Event.EventID)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestNotifyWakesTheLoop(t *testing.T) {
	outbox := newOutbox(t)
	b := bus.New(1, 0, 0)
	consumer := b.Topic(bus.TopicInventory).Consumer("downstream")

	p := NewPublisher(b, outbox, metrics.New())
	p.Start(context.Background())
	defer p.Stop()

	require.NoError(t, outbox.Append(context.Background(), nil, bus.TopicInventory, &domain.Event{
		EventID:    "ev-1",
		Kind:       domain.EventInventory,
		SecurityID: "SEC-1",
	}))
	p.Notify()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := consumer.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", d.Event.EventID)
	consumer.Ack(d.Partition, d.Offset)
}
