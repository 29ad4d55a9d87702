package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgentBreakerStaysClosedOnSuccess(t *testing.T) {
	breaker := New(DefaultConfig())

	err := breaker.Execute(context.Background(), func() error {
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestAgentBreakerOpensAfterRepeatedInvocationFailures(t *testing.T) {
	breaker := New(Config{MaxFailures: 3, Timeout: time.Second})
	invocationErr := errors.New("agent invocation failed")

	for i := 0; i < 3; i++ {
		_ = breaker.Execute(context.Background(), func() error {
			return invocationErr
		})
	}

	assert.Equal(t, StateOpen, breaker.State())
}

func TestAgentBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	breaker := New(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 2})

	_ = breaker.Execute(context.Background(), func() error {
		return errors.New("agent unreachable")
	})

	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		_ = breaker.Execute(context.Background(), func() error {
			return nil
		})
	}

	assert.Equal(t, StateClosed, breaker.State())
}

func TestAgentBreakerRejectsCallsWhileOpen(t *testing.T) {
	breaker := New(Config{MaxFailures: 1, Timeout: time.Hour})

	_ = breaker.Execute(context.Background(), func() error {
		return errors.New("agent unreachable")
	})

	err := breaker.Execute(context.Background(), func() error {
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
}
