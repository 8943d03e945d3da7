package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/keepr/internal/apperror"
	paymentdomain "github.com/smallbiznis/keepr/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	provider       = "stripe"
	defaultBaseURL = "https://api.stripe.com"
	defaultTimeout = 15 * time.Second
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return provider
}

func (f *Factory) NewProcessor(cfg paymentdomain.ProcessorConfig) (paymentdomain.Processor, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		secretKey: secret,
		baseURL:   baseURL,
		client:    client,
		log:       log.Named("payment.stripe"),
	}, nil
}

// Processor drives PaymentIntents: authorize confirms a manual-capture
// intent, capture settles it and refund returns part or all of it.
type Processor struct {
	secretKey string
	baseURL   string
	client    *http.Client
	log       *zap.Logger
}

func (p *Processor) Provider() string {
	return provider
}

func (p *Processor) Authorize(ctx context.Context, req paymentdomain.AuthorizeRequest) (paymentdomain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.Transaction{}, err
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("capture_method", "manual")
	form.Set("confirm", "true")
	if req.PaymentMethod != "" {
		form.Set("payment_method", req.PaymentMethod)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	form.Set("metadata[tenant_id]", req.TenantID.String())
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var intent stripePaymentIntent
	if err := p.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey, &intent); err != nil {
		return paymentdomain.Transaction{}, err
	}
	status, err := intentStatus(intent)
	if err != nil {
		return paymentdomain.Transaction{}, err
	}
	return p.transaction(intent.ID, paymentdomain.OperationAuthorize, status, intent.Amount, intent.Currency), nil
}

func (p *Processor) Capture(ctx context.Context, req paymentdomain.CaptureRequest) (paymentdomain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.Transaction{}, err
	}
	form := url.Values{}
	form.Set("amount_to_capture", strconv.FormatInt(req.Amount, 10))

	var intent stripePaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(req.TransactionID) + "/capture"
	if err := p.post(ctx, path, form, req.IdempotencyKey, &intent); err != nil {
		return paymentdomain.Transaction{}, err
	}
	status, err := intentStatus(intent)
	if err != nil {
		return paymentdomain.Transaction{}, err
	}
	return p.transaction(intent.ID, paymentdomain.OperationCapture, status, intent.AmountReceived, intent.Currency), nil
}

func (p *Processor) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.Transaction{}, err
	}
	form := url.Values{}
	form.Set("payment_intent", req.TransactionID)
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}

	var refund stripeRefund
	if err := p.post(ctx, "/v1/refunds", form, req.IdempotencyKey, &refund); err != nil {
		return paymentdomain.Transaction{}, err
	}
	var status paymentdomain.Status
	switch refund.Status {
	case "succeeded":
		status = paymentdomain.StatusRefunded
	case "pending", "requires_action":
		status = paymentdomain.StatusPending
	default:
		return paymentdomain.Transaction{}, &paymentdomain.DeclinedError{Provider: provider, Code: refund.Status, Message: "refund " + refund.ID + " " + refund.Status}
	}
	return p.transaction(refund.ID, paymentdomain.OperationRefund, status, refund.Amount, refund.Currency), nil
}

func (p *Processor) transaction(id string, op paymentdomain.Operation, status paymentdomain.Status, amount int64, currency string) paymentdomain.Transaction {
	return paymentdomain.Transaction{
		Provider:  provider,
		ID:        id,
		Operation: op,
		Status:    status,
		Amount:    amount,
		Currency:  strings.ToUpper(currency),
	}
}

func (p *Processor) post(ctx context.Context, path string, form url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("stripe %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("stripe %s: read body: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return p.responseError(path, resp.StatusCode, idempotencyKey, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("stripe %s: decode: %w", path, err)
	}
	return nil
}

// responseError maps a Stripe error body onto the error taxonomy. Anything
// not attributable to the request is returned as a plain error so the caller
// treats it as transient.
func (p *Processor) responseError(path string, statusCode int, idempotencyKey string, body []byte) error {
	var payload stripeErrorBody
	_ = json.Unmarshal(body, &payload)
	e := payload.Error

	p.log.Warn("stripe request failed",
		zap.String("path", path),
		zap.Int("status", statusCode),
		zap.String("type", e.Type),
		zap.String("code", e.Code),
	)

	switch {
	case statusCode == http.StatusPaymentRequired || e.Type == "card_error":
		code := e.DeclineCode
		if code == "" {
			code = e.Code
		}
		return &paymentdomain.DeclinedError{Provider: provider, Code: code, Message: e.Message}
	case e.Type == "idempotency_error":
		return &apperror.IdempotencyConflictError{Key: idempotencyKey}
	case statusCode == http.StatusNotFound:
		return apperror.NotFound("payment_intent", e.Param)
	case e.Type == "invalid_request_error" && statusCode == http.StatusBadRequest:
		field := e.Param
		if field == "" {
			field = "payment"
		}
		return apperror.Invalid(field, e.Message)
	default:
		return fmt.Errorf("stripe %s: status %d: %s", path, statusCode, e.Message)
	}
}

func intentStatus(intent stripePaymentIntent) (paymentdomain.Status, error) {
	switch intent.Status {
	case "requires_capture":
		return paymentdomain.StatusAuthorized, nil
	case "succeeded":
		return paymentdomain.StatusCaptured, nil
	case "processing":
		return paymentdomain.StatusPending, nil
	default:
		code := intent.Status
		message := "payment intent " + intent.ID + " is " + intent.Status
		if intent.LastPaymentError != nil {
			if intent.LastPaymentError.DeclineCode != "" {
				code = intent.LastPaymentError.DeclineCode
			}
			message = intent.LastPaymentError.Message
		}
		return "", &paymentdomain.DeclinedError{Provider: provider, Code: code, Message: message}
	}
}

type stripePaymentIntent struct {
	ID               string             `json:"id"`
	Status           string             `json:"status"`
	Amount           int64              `json:"amount"`
	AmountReceived   int64              `json:"amount_received"`
	Currency         string             `json:"currency"`
	LastPaymentError *stripeErrorDetail `json:"last_payment_error"`
}

type stripeRefund struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type stripeErrorBody struct {
	Error stripeErrorDetail `json:"error"`
}

type stripeErrorDetail struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}
