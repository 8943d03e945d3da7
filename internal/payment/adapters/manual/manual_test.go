package manual

import (
	"context"
	"testing"

	paymentdomain "github.com/smallbiznis/keepr/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualProcessorLifecycle(t *testing.T) {
	p := New()
	ctx := context.Background()

	auth, err := p.Authorize(ctx, paymentdomain.AuthorizeRequest{Amount: 5000, Currency: "usd", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusAuthorized, auth.Status)
	assert.Equal(t, "USD", auth.Currency)
	assert.Len(t, auth.ID, len("man_")+26)

	retry, err := p.Authorize(ctx, paymentdomain.AuthorizeRequest{Amount: 5000, Currency: "usd", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, auth, retry)

	captured, err := p.Capture(ctx, paymentdomain.CaptureRequest{TransactionID: auth.ID, Amount: 5000, Currency: "USD", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, auth.ID, captured.ID)
	assert.Equal(t, paymentdomain.StatusCaptured, captured.Status)

	refund, err := p.Refund(ctx, paymentdomain.RefundRequest{TransactionID: auth.ID, Amount: 5000, Currency: "USD", IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.NotEqual(t, auth.ID, refund.ID)
	assert.Equal(t, paymentdomain.StatusRefunded, refund.Status)

	_, err = p.Refund(ctx, paymentdomain.RefundRequest{Amount: 5000, Currency: "USD", IdempotencyKey: "k3"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidTransaction)
}
