package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

func TestBuffer_PushAndDrain(t *testing.T) {
	b := NewBuffer(10)
	b.Push(Sample{Payload: model.Sample{NodeID: "n1"}, TraceID: "t1"})
	b.Push(Sample{Payload: model.Sample{NodeID: "n2"}, TraceID: "t2"})

	assert.Equal(t, 2, b.Len())

	out := b.DrainUpTo(1)
	assert.Len(t, out, 1)
	assert.Equal(t, "t1", out[0].TraceID)
	assert.Equal(t, 1, b.Len())
}

func TestBuffer_DropsOldestWhenFull(t *testing.T) {
	b := NewBuffer(2)
	b.Push(Sample{TraceID: "t1"})
	b.Push(Sample{TraceID: "t2"})
	b.Push(Sample{TraceID: "t3"})

	assert.Equal(t, 2, b.Len())
	out := b.DrainUpTo(2)
	assert.Equal(t, []string{"t2", "t3"}, []string{out[0].TraceID, out[1].TraceID})
}

func TestBuffer_DrainUpToMoreThanAvailable(t *testing.T) {
	b := NewBuffer(5)
	b.Push(Sample{TraceID: "t1"})

	out := b.DrainUpTo(10)
	assert.Len(t, out, 1)
	assert.Equal(t, 0, b.Len())
}
