package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flexipod/pkg/retry"
)

var errFlaky = errors.New("flaky")

func TestDoReturnsFirstSuccess(t *testing.T) {
	var failures []int
	p := retry.Policy{
		MaxAttempts: 3,
		OnFailure:   func(attempt int, err error) { failures = append(failures, attempt) },
	}

	v, err := retry.Do(context.Background(), p, func(attempt int) (string, error) {
		if attempt < 2 {
			return "", errFlaky
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, []int{1}, failures)
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	var failures []int
	p := retry.Policy{
		MaxAttempts: 3,
		OnFailure:   func(attempt int, err error) { failures = append(failures, attempt) },
	}

	v, err := retry.Do(context.Background(), p, func(int) (int, error) {
		calls++
		return 7, errFlaky
	})
	require.Equal(t, 0, v)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2, 3}, failures)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, err, errFlaky)
}

func TestDoTreatsNonPositiveAttemptsAsOne(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), retry.Policy{}, func(int) (struct{}, error) {
		calls++
		return struct{}{}, errFlaky
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoStopsBetweenAttemptsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retry.Do(ctx, retry.Policy{MaxAttempts: 5, Backoff: time.Millisecond}, func(int) (int, error) {
		calls++
		cancel()
		return 0, errFlaky
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
