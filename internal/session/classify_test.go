package session

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRemoteRejections(t *testing.T) {
	tests := []struct {
		message string
		want    error
	}{
		{"stale version 4, current 5", domain.ErrVersionConflict},
		{"session closed at version 5", domain.ErrSessionClosed},
		{"app session is closed", domain.ErrSessionClosed},
		{"app session not found", domain.ErrNotFound},
		{"quorum not reached", domain.ErrNotAuthority},
		{"insufficient funds", domain.ErrInsufficientBalance},
		{"allocation sum mismatch", domain.ErrAllocationMismatch},
		{"invalid definition", domain.ErrInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			err := classify(&domain.RemoteError{Method: "submit_app_state", Message: tt.message})
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, domain.ErrRemote)

			var re *domain.RemoteError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.message, re.Message)
		})
	}

	plain := errors.New("boom")
	assert.Same(t, plain, classify(plain))
	other := &domain.RemoteError{Method: "get_app_session", Message: "busy"}
	assert.Equal(t, error(other), classify(other))
}

func TestRetryOnConflictStopsAtClosedSession(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), func(context.Context) error {
		calls++
		return classify(&domain.RemoteError{Method: "submit_app_state", Message: "session closed at version 5"})
	})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.NotErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, 1, calls)
}
