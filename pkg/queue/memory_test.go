package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

func TestMemoryQueue_EnqueuePopAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, model.QueueItem{Sample: model.Sample{NodeID: "n1"}, Meta: model.QueueMeta{TraceID: "b1"}}))
	require.NoError(t, q.Enqueue(ctx, model.QueueItem{Sample: model.Sample{NodeID: "n2"}, Meta: model.QueueMeta{TraceID: "b2"}}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	popped, err := q.PopBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, popped, 2)
	assert.Equal(t, "b1", popped[0].Item.Meta.TraceID)
	assert.Equal(t, "b2", popped[1].Item.Meta.TraceID)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth, "popped items leave the visible queue")

	handles := []string{popped[0].Handle, popped[1].Handle}
	require.NoError(t, q.Ack(ctx, handles))
}

func TestMemoryQueue_PopBatch_PartialWhenShort(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(ctx, model.QueueItem{Meta: model.QueueMeta{TraceID: "only"}}))

	popped, err := q.PopBatch(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, popped, 1)
}

func TestMemoryQueue_Nack_RequeuesToTail(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(ctx, model.QueueItem{Meta: model.QueueMeta{TraceID: "b1"}}))

	popped, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, popped, 1)

	require.NoError(t, q.Nack(ctx, []string{popped[0].Handle}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth, "nacked item returns to the visible queue")

	popped2, err := q.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, popped2, 1)
	assert.Equal(t, "b1", popped2[0].Item.Meta.TraceID)
}

func TestMemoryDLQ_PushDrain(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDLQ()

	require.NoError(t, d.Push(ctx, model.DLQItem{Item: model.QueueItem{Meta: model.QueueMeta{TraceID: "dead-1"}}}))
	require.NoError(t, d.Push(ctx, model.DLQItem{Item: model.QueueItem{Meta: model.QueueMeta{TraceID: "dead-2"}}}))

	depth, err := d.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	drained, err := d.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, "dead-1", drained[0].Item.Meta.TraceID)

	depth, err = d.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}
