package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sinkerrors "github.com/devrev/coldb/internal/errors"
)

func TestRunSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Run(context.Background(), Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond}, func(i int, isLast bool) (Verdict, error) {
		calls++
		return Done, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Run(context.Background(), Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond}, func(i int, isLast bool) (Verdict, error) {
		calls++
		if calls < 3 {
			return Retry, errors.New("transient")
		}
		return Done, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunFatalStopsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("user error")
	err := Run(context.Background(), Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond}, func(i int, isLast bool) (Verdict, error) {
		calls++
		return Fatal, wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, calls)
}

func TestRunExhaustsAttemptsAndRunsAfterLastFailure(t *testing.T) {
	calls := 0
	hookCalled := false
	wantErr := errors.New("persistent fault")
	policy := Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		AfterLastFailure: func(lastErr error) {
			hookCalled = true
			assert.Equal(t, wantErr, lastErr)
		},
	}
	err := Run(context.Background(), policy, func(i int, isLast bool) (Verdict, error) {
		calls++
		return Retry, wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 3, calls)
	assert.True(t, hookCalled)
}

func TestRunRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Run(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond}, func(i int, isLast bool) (Verdict, error) {
		calls++
		return Retry, errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestVerdictForClassifiesSinkErrors(t *testing.T) {
	assert.Equal(t, Done, VerdictFor(nil))
	assert.Equal(t, Retry, VerdictFor(sinkerrors.NoCoordinatorSession(nil)))
	assert.Equal(t, Fatal, VerdictFor(sinkerrors.TooFewLiveReplicas(1, 2)))
	assert.Equal(t, Fatal, VerdictFor(errors.New("not a sink error")))
}
