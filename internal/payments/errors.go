package payments

import (
	"context"
	"errors"

	"eventpay/internal/common/database"
	"eventpay/internal/gateway"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidState       = errors.New("invalid order state")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrSettlementExceeds  = errors.New("settlement exceeds order total")
	ErrInvalidPayload     = errors.New("invalid webhook payload")
)

// Result codes carried by failed orchestrator responses
const (
	CodeOrderNotFound      = "ORDER_NOT_FOUND"
	CodeInvalidState       = "INVALID_STATE"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeGatewayError       = "GATEWAY_ERROR"
	CodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// codeFor classifies an error for a structured result
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return CodeOrderNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, gateway.ErrUnknownDriver):
		return CodeGatewayUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeGatewayError
	default:
		return CodeInternal
	}
}

// publicMessage hides storage details from callers
func publicMessage(err error) string {
	if codeFor(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}

func notFound(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrOrderNotFound
	}
	return err
}
