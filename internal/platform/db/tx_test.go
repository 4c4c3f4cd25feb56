package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestRetryRepeatsSerializationFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("commit: %w", &pgconn.PgError{Code: codeSerializationFailure})
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnDomainErrors(t *testing.T) {
	domainErr := errors.New("insufficient stock")
	calls := 0
	err := Retry(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return domainErr
	})
	require.ErrorIs(t, err, domainErr)
	require.Equal(t, 1, calls)
}

func TestRetryReportsExhaustion(t *testing.T) {
	err := Retry(context.Background(), 2, func(ctx context.Context) error {
		return &pgconn.PgError{Code: codeDeadlockDetected}
	})
	require.Error(t, err)
	require.True(t, IsRetryable(err))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.False(t, IsUniqueViolation(errors.New("boom")))
}
