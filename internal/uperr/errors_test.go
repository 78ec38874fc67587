package uperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE_AssignsArgsByType(t *testing.T) {
	cause := errors.New("disk full")
	guidance := &RetryGuidance{RetryAfter: time.Second, Attempt: 2, MaxAttempts: 3}

	e := E(KindTransientStorage, "chunkstore.Write", "f1", 4, "write failed", cause, guidance)

	assert.Equal(t, KindTransientStorage, e.Kind)
	assert.Equal(t, "chunkstore.Write", e.Op)
	assert.Equal(t, "f1", e.FileID)
	assert.Equal(t, 4, e.Chunk)
	assert.Equal(t, "write failed", e.Msg)
	assert.Equal(t, cause, e.Err)
	assert.Equal(t, guidance, e.Retry)
}

func TestE_ChunkDefaultsToUnset(t *testing.T) {
	e := E(KindNotFound, "session.GetStatus", "f1")
	assert.Equal(t, -1, e.Chunk, "chunk zero must stay representable")
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with chunk",
			err:  E(KindChunkIntegrity, "session.IngestChunk", "f1", 0, "claimed hash does not match chunk content"),
			want: "session.IngestChunk: chunk_integrity [file_id=f1 chunk=0]: claimed hash does not match chunk content",
		},
		{
			name: "without chunk",
			err:  E(KindIncomplete, "session.Complete", "f1", "2 chunks missing: [1 2]"),
			want: "session.Complete: incomplete [file_id=f1]: 2 chunks missing: [1 2]",
		},
		{
			name: "cause used when msg empty",
			err:  E(KindTransientStorage, "chunkstore.Write", "f1", errors.New("disk full")),
			want: "chunkstore.Write: transient_storage [file_id=f1]: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	err := E(KindHashMismatch, "merge.Merge", "f1")
	assert.Equal(t, KindHashMismatch, KindOf(err))
	assert.Equal(t, KindHashMismatch, KindOf(fmt.Errorf("wrapped: %w", err)), "kind survives wrapping")
	assert.Equal(t, KindUnknown, KindOf(errors.New("foreign")))
	assert.True(t, IsKind(err, KindHashMismatch))
	assert.False(t, IsKind(err, KindIncomplete))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := E(KindTransientStorage, "op", "f1", cause)
	require.ErrorIs(t, err, cause)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindChunkIntegrity, true},
		{KindTransientStorage, true},
		{KindInvalidArgument, false},
		{KindAlreadyExists, false},
		{KindIncomplete, false},
		{KindHashMismatch, false},
		{KindNotFound, false},
		{KindRetryBudgetExhausted, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(E(tt.kind, "op", "f1")))
		})
	}
}
