package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// OpenSessionInput identifies the device asking for a session.
type OpenSessionInput struct {
	APIKey   string
	UserID   string
	DeviceID string
}

// SessionUseCase exchanges the gateway API key for a signed session token.
type SessionUseCase struct {
	apiKey  []byte
	issuer  TokenIssuer
	metrics *metrics.Metrics
}

// NewSessionUseCase creates a new SessionUseCase.
func NewSessionUseCase(apiKey string, issuer TokenIssuer, m *metrics.Metrics) *SessionUseCase {
	return &SessionUseCase{apiKey: []byte(apiKey), issuer: issuer, metrics: m}
}

// Open validates the API key and issues a session for the device.
func (uc *SessionUseCase) Open(_ context.Context, in OpenSessionInput) (domain.RemoteSession, error) {
	if in.UserID == "" || in.DeviceID == "" {
		return domain.RemoteSession{}, fmt.Errorf("%w: user_id and device_id are required", domain.ErrValidationFailure)
	}
	if len(uc.apiKey) == 0 || subtle.ConstantTimeCompare([]byte(in.APIKey), uc.apiKey) != 1 {
		if uc.metrics != nil {
			uc.metrics.AuthFailures.WithLabelValues("api_key").Inc()
		}
		return domain.RemoteSession{}, domain.ErrUnauthorized
	}

	token, expiresAt, err := uc.issuer.Generate(in.UserID, in.DeviceID)
	if err != nil {
		return domain.RemoteSession{}, fmt.Errorf("sign session token: %w", err)
	}
	return domain.RemoteSession{
		Token:     token,
		UserID:    in.UserID,
		DeviceID:  in.DeviceID,
		ExpiresAt: expiresAt,
	}, nil
}
