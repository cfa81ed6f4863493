package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ezaigents/agentmesh/core"
)

func TestCircuitBreakerOpensOnErrorRate(t *testing.T) {
	cb := New(&Config{
		Name:            "test",
		ErrorThreshold:  0.5,
		VolumeThreshold: 4,
		WindowSize:      time.Second,
		BucketCount:     10,
	})

	failing := errors.New("boom")
	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), func() error { return failing })
	}

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerRejectsWhenOpen(t *testing.T) {
	cb := New(&Config{Name: "test", ErrorThreshold: 0.1, VolumeThreshold: 1, SleepWindow: time.Hour})
	_ = cb.Execute(context.Background(), func() error { return errors.New("x") })
	require := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, require, ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := New(&Config{
		Name:             "test",
		ErrorThreshold:   0.1,
		VolumeThreshold:  1,
		SleepWindow:      10 * time.Millisecond,
		HalfOpenRequests: 2,
		SuccessThreshold: 0.5,
	})
	_ = cb.Execute(context.Background(), func() error { return errors.New("x") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), func() error { return nil })

	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultErrorClassifierIgnoresBusinessErrors(t *testing.T) {
	assert.False(t, DefaultErrorClassifier(nil))
	assert.False(t, DefaultErrorClassifier(core.ErrTaskNotFound))
	assert.False(t, DefaultErrorClassifier(core.ErrInvalidConfiguration))
	assert.False(t, DefaultErrorClassifier(core.ErrNotOwner))
	assert.True(t, DefaultErrorClassifier(errors.New("dial tcp: connection refused")))
}
