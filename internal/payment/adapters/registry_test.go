package adapters

import (
	"testing"

	"github.com/smallbiznis/keepr/internal/payment/adapters/manual"
	"github.com/smallbiznis/keepr/internal/payment/adapters/stripe"
	"github.com/smallbiznis/keepr/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry(stripe.NewFactory(), manual.NewFactory(), nil)
	assert.True(t, registry.ProviderExists(" Stripe "))
	assert.False(t, registry.ProviderExists("adyen"))

	p, err := registry.NewProcessor("MANUAL", domain.ProcessorConfig{})
	require.NoError(t, err)
	assert.Equal(t, "manual", p.Provider())

	_, err = registry.NewProcessor("stripe", domain.ProcessorConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = registry.NewProcessor("adyen", domain.ProcessorConfig{})
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}
