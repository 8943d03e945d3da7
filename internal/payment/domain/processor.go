package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keepr/internal/apperror"
	"go.uber.org/zap"
)

type Operation string

const (
	OperationAuthorize Operation = "authorize"
	OperationCapture   Operation = "capture"
	OperationRefund    Operation = "refund"
)

type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusRefunded   Status = "refunded"
	StatusPending    Status = "pending"
)

type AuthorizeRequest struct {
	TenantID       snowflake.ID
	Amount         int64
	Currency       string
	PaymentMethod  string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type CaptureRequest struct {
	TenantID       snowflake.ID
	TransactionID  string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type RefundRequest struct {
	TenantID       snowflake.ID
	TransactionID  string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// Transaction is the processor's view of a money movement. ID is what gets
// stored on ledger entries as processor_transaction_id.
type Transaction struct {
	Provider  string    `json:"provider"`
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Status    Status    `json:"status"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
}

// Processor moves money at an external payment processor. Implementations
// forward the idempotency key so a retried call is never charged twice. The
// core never computes card fees.
type Processor interface {
	Provider() string
	Authorize(ctx context.Context, req AuthorizeRequest) (Transaction, error)
	Capture(ctx context.Context, req CaptureRequest) (Transaction, error)
	Refund(ctx context.Context, req RefundRequest) (Transaction, error)
}

type ProcessorConfig struct {
	SecretKey  string
	BaseURL    string
	HTTPClient *http.Client
	Log        *zap.Logger
}

type ProcessorFactory interface {
	Provider() string
	NewProcessor(cfg ProcessorConfig) (Processor, error)
}

var (
	ErrProviderNotFound   = errors.New("payment_provider_not_found")
	ErrInvalidConfig      = errors.New("invalid_payment_config")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrInvalidTransaction = errors.New("invalid_transaction_id")
	ErrInvalidKey         = errors.New("invalid_idempotency_key")
	ErrDeclined           = errors.New("payment_declined")
)

// DeclinedError is a processor refusal. It is a business outcome and counts
// as a validation failure.
type DeclinedError struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined by %s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *DeclinedError) Is(target error) bool {
	return target == ErrDeclined || target == apperror.ErrValidation
}

// Validate checks the fields every processor needs before it is called.
func (r AuthorizeRequest) Validate() error {
	return validateMoney(r.Amount, r.Currency, r.IdempotencyKey)
}

func (r CaptureRequest) Validate() error {
	if r.TransactionID == "" {
		return apperror.FromSentinel(ErrInvalidTransaction)
	}
	return validateMoney(r.Amount, r.Currency, r.IdempotencyKey)
}

func (r RefundRequest) Validate() error {
	if r.TransactionID == "" {
		return apperror.FromSentinel(ErrInvalidTransaction)
	}
	return validateMoney(r.Amount, r.Currency, r.IdempotencyKey)
}

func validateMoney(amount int64, currency, key string) error {
	switch {
	case amount <= 0:
		return apperror.FromSentinel(ErrInvalidAmount)
	case len(currency) != 3:
		return apperror.FromSentinel(ErrInvalidCurrency)
	case key == "":
		return apperror.FromSentinel(ErrInvalidKey)
	}
	return nil
}
