package dto

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/usecase/gateway"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of a request.
func Validate(req any) error {
	return validate.Struct(req)
}

// CreateSessionRequest exchanges the gateway API key for a session token.
type CreateSessionRequest struct {
	APIKey   string `json:"api_key" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
}

// ToUseCaseInput converts to use case input.
func (r *CreateSessionRequest) ToUseCaseInput() gateway.OpenSessionInput {
	return gateway.OpenSessionInput{
		APIKey:   r.APIKey,
		UserID:   r.UserID,
		DeviceID: r.DeviceID,
	}
}

// OperationRequest is one queued mutation pushed by a device.
type OperationRequest struct {
	OperationID string             `json:"operation_id" validate:"required"`
	Type        string             `json:"type" validate:"required,oneof=CREATE UPDATE DELETE"`
	EntityType  string             `json:"entity_type" validate:"required"`
	EntityID    string             `json:"entity_id" validate:"required"`
	Payload     map[string]any     `json:"payload,omitempty"`
	Delta       bool               `json:"delta"`
	BaseVersion int64              `json:"base_version" validate:"gte=0"`
	VectorClock domain.VectorClock `json:"vector_clock,omitempty"`
}

// ToDomain converts to the domain request.
func (r *OperationRequest) ToDomain() domain.OperationRequest {
	return domain.OperationRequest{
		OperationID: r.OperationID,
		Type:        domain.OperationType(r.Type),
		EntityType:  domain.EntityType(r.EntityType),
		EntityID:    r.EntityID,
		Payload:     r.Payload,
		Delta:       r.Delta,
		BaseVersion: r.BaseVersion,
		VectorClock: r.VectorClock,
	}
}

// OperationRequestFromDomain converts a domain request for the wire.
func OperationRequestFromDomain(req domain.OperationRequest) *OperationRequest {
	return &OperationRequest{
		OperationID: req.OperationID,
		Type:        string(req.Type),
		EntityType:  string(req.EntityType),
		EntityID:    req.EntityID,
		Payload:     req.Payload,
		Delta:       req.Delta,
		BaseVersion: req.BaseVersion,
		VectorClock: req.VectorClock,
	}
}

// AcquireLockRequest asks for a collaboration lock. The device comes from
// the session token.
type AcquireLockRequest struct {
	Resource   string    `json:"resource" validate:"required"`
	Actor      string    `json:"actor,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at" validate:"required"`
}
