package reliability

import (
	"context"
	"errors"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/circuitbreaker"
	apperrors "carelink/pkg/errors"
	"carelink/pkg/retry"

	"go.uber.org/zap"
)

// CredentialServiceWrapper wraps a CredentialService with retry logic and a
// circuit breaker. Only transient failures are retried or counted against
// the breaker; a rejected request fails at once.
type CredentialServiceWrapper struct {
	service ports.CredentialService
	logger  *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

var _ ports.CredentialService = (*CredentialServiceWrapper)(nil)

func NewCredentialServiceWrapper(
	service ports.CredentialService,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *CredentialServiceWrapper {
	retryConfig.ShouldRetry = isTransient
	cbConfig.IsFailure = isTransient

	w := &CredentialServiceWrapper{
		service:        service,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}
	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("credential circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

func isTransient(err error) bool {
	if errors.Is(err, domain.ErrEmptyCredential) || errors.Is(err, context.Canceled) ||
		errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	return apperrors.IsRetryable(err)
}

func (w *CredentialServiceWrapper) FetchRoomToken(ctx context.Context, roomID domain.RoomID, displayName string) (string, error) {
	return retry.Do(ctx, w.retryConfig, func() (string, error) {
		token, err := circuitbreaker.Call(w.circuitBreaker, func() (string, error) {
			return w.service.FetchRoomToken(ctx, roomID, displayName)
		})
		if err != nil {
			w.logger.Debugw("room token attempt failed", "room_id", roomID, "error", err)
		}
		return token, err
	})
}

func (w *CredentialServiceWrapper) BreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}
