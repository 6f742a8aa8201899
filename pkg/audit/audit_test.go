package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

func TestMemoryLog_AppendChains(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	first, err := log.Append(ctx, model.AuditEntry{
		Action:    "node.register",
		Actor:     "gw-1",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.NotEmpty(t, first.Hash)

	second, err := log.Append(ctx, model.AuditEntry{
		Action:    "node.report",
		Actor:     "gw-1",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.NotEqual(t, first.Hash, second.Hash)

	require.NoError(t, log.Verify(ctx))
}

func TestMemoryLog_List_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	for _, action := range []string{"a", "b", "c"} {
		_, err := log.Append(ctx, model.AuditEntry{Action: action, Timestamp: time.Now()})
		require.NoError(t, err)
	}

	entries, err := log.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Action)
	assert.Equal(t, "b", entries[1].Action)
}

func TestMemoryLog_Verify_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	_, err := log.Append(ctx, model.AuditEntry{Action: "a", Timestamp: time.Now()})
	require.NoError(t, err)
	_, err = log.Append(ctx, model.AuditEntry{Action: "b", Timestamp: time.Now()})
	require.NoError(t, err)

	require.NoError(t, log.Verify(ctx))

	// Tamper with an entry in place and confirm the chain notices.
	log.entries[0].Action = "tampered"
	assert.Error(t, log.Verify(ctx))
}
