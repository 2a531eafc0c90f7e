package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

func TestBackoffDelay(t *testing.T) {
	b := BackoffPolicy{Initial: 10 * time.Second, Multiplier: 2, Max: 5 * time.Minute}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 160 * time.Second},
		{6, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestSequenceSubset(t *testing.T) {
	seq := DefaultSequence()

	t.Run("keeps declared order", func(t *testing.T) {
		sub, err := seq.Subset([]string{StageOCR, StageDecompose})
		require.NoError(t, err)
		assert.Equal(t, []string{StageDecompose, StageOCR}, sub.Names())
	})

	t.Run("full set", func(t *testing.T) {
		sub, err := seq.Subset(seq.Names())
		require.NoError(t, err)
		assert.Equal(t, seq.Names(), sub.Names())
	})

	t.Run("unknown stage rejected", func(t *testing.T) {
		_, err := seq.Subset([]string{StageDecompose, "polish"})
		assert.ErrorContains(t, err, "unknown stage")
	})

	t.Run("missing dependency rejected", func(t *testing.T) {
		_, err := seq.Subset([]string{StageDecompose, StageExtract})
		assert.ErrorContains(t, err, "requires")
	})
}

func TestSequenceDependents(t *testing.T) {
	seq := DefaultSequence()

	assert.ElementsMatch(t, []string{StageExtract, StageVectorize, StageConvert3D}, seq.Dependents(StageOCR))
	assert.ElementsMatch(t, []string{StageConvert3D}, seq.Dependents(StageExtract))
	assert.Empty(t, seq.Dependents(StageVectorize))
	assert.Empty(t, seq.Dependents(StageConvert3D))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.ErrorClassPermanent, Classify(NewPermanentError("bad input")))
	assert.Equal(t, model.ErrorClassPermanent, Classify(WrapPermanent(errors.New("bad input"))))
	assert.Equal(t, model.ErrorClassTransient, Classify(NewTransientError("try later")))
	assert.Equal(t, model.ErrorClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, model.ErrorClassTransient, Classify(errors.New("unclassified")))

	wrapped := NewPermanentError("outer: %w", errors.New("inner"))
	assert.Equal(t, model.ErrorClassPermanent, Classify(wrapped))
}

func TestSlots(t *testing.T) {
	s := NewSlots(map[string]int{StageExtract: 1})
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, StageExtract))
	assert.Equal(t, 1, s.InFlight(StageExtract))

	// second acquire must block until the slot frees or the context expires
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.Acquire(blocked, StageExtract)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Release(StageExtract)
	assert.Zero(t, s.InFlight(StageExtract))
	require.NoError(t, s.Acquire(ctx, StageExtract))
	s.Release(StageExtract)

	// unknown kinds are unbounded
	require.NoError(t, s.Acquire(ctx, "whatever"))
	s.Release("whatever")
}
