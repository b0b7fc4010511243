package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ObserveLLMCallRecordsOutcome(t *testing.T) {
	r := NewRecorder()

	require.NoError(t, r.ObserveLLMCall(func() error { return nil }))
	assert.Equal(t, 1, testutil.CollectAndCount(r.LLMCallSeconds))

	boom := errors.New("boom")
	err := r.ObserveLLMCall(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, testutil.CollectAndCount(r.LLMCallSeconds))
}

func TestRecorder_CountersIncrement(t *testing.T) {
	r := NewRecorder()
	r.ScenesProcessed.WithLabelValues("true").Inc()
	r.Compactions.WithLabelValues("token_budget").Inc()
	r.RetriesAttempted.WithLabelValues("transient").Inc()
	r.CuratorDecisions.WithLabelValues("confirm").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(r.ScenesProcessed.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Compactions.WithLabelValues("token_budget")))
}

func TestServer_EmptyAddrIsNoOp(t *testing.T) {
	s := NewServer("", NewRecorder())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.ServeContext(ctx))
}
