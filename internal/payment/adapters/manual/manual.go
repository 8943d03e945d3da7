package manual

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	paymentdomain "github.com/smallbiznis/keepr/internal/payment/domain"
)

const provider = "manual"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return provider
}

func (f *Factory) NewProcessor(paymentdomain.ProcessorConfig) (paymentdomain.Processor, error) {
	return New(), nil
}

// Processor records cash and on-site payments taken by staff. Nothing leaves
// the building, so every call succeeds with a ULID reference. References are
// remembered per idempotency key for the life of the process.
type Processor struct {
	mu   sync.Mutex
	seen map[string]paymentdomain.Transaction
}

func New() *Processor {
	return &Processor{seen: map[string]paymentdomain.Transaction{}}
}

func (p *Processor) Provider() string {
	return provider
}

func (p *Processor) Authorize(_ context.Context, req paymentdomain.AuthorizeRequest) (paymentdomain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.Transaction{}, err
	}
	return p.record(req.IdempotencyKey, "", paymentdomain.OperationAuthorize, paymentdomain.StatusAuthorized, req.Amount, req.Currency), nil
}

func (p *Processor) Capture(_ context.Context, req paymentdomain.CaptureRequest) (paymentdomain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.Transaction{}, err
	}
	return p.record(req.IdempotencyKey, req.TransactionID, paymentdomain.OperationCapture, paymentdomain.StatusCaptured, req.Amount, req.Currency), nil
}

func (p *Processor) Refund(_ context.Context, req paymentdomain.RefundRequest) (paymentdomain.Transaction, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.Transaction{}, err
	}
	return p.record(req.IdempotencyKey, "", paymentdomain.OperationRefund, paymentdomain.StatusRefunded, req.Amount, req.Currency), nil
}

// record returns the transaction already issued for key, or a new one. A
// capture keeps the id of the authorization it settles.
func (p *Processor) record(key, id string, op paymentdomain.Operation, status paymentdomain.Status, amount int64, currency string) paymentdomain.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	scoped := string(op) + ":" + key
	if tx, ok := p.seen[scoped]; ok {
		return tx
	}
	if id == "" {
		id = "man_" + strings.ToLower(ulid.Make().String())
	}
	tx := paymentdomain.Transaction{
		Provider:  provider,
		ID:        id,
		Operation: op,
		Status:    status,
		Amount:    amount,
		Currency:  strings.ToUpper(currency),
	}
	p.seen[scoped] = tx
	return tx
}
