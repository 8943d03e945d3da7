package payment

import (
	"github.com/smallbiznis/keepr/internal/config"
	"github.com/smallbiznis/keepr/internal/payment/adapters"
	"github.com/smallbiznis/keepr/internal/payment/adapters/manual"
	"github.com/smallbiznis/keepr/internal/payment/adapters/stripe"
	"github.com/smallbiznis/keepr/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:generate mockgen -destination=mock/processor_mock.go -package=mock github.com/smallbiznis/keepr/internal/payment/domain Processor

var Module = fx.Module("payment.processor",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			manual.NewFactory(),
		)
	}),
	fx.Provide(NewProcessor),
)

// NewProcessor builds the processor named by PAYMENT_PROVIDER.
func NewProcessor(cfg config.Config, registry *adapters.Registry, log *zap.Logger) (domain.Processor, error) {
	processor, err := registry.NewProcessor(cfg.Payment.Provider, domain.ProcessorConfig{
		SecretKey: cfg.Payment.StripeSecretKey,
		BaseURL:   cfg.Payment.StripeBaseURL,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}
	log.Named("payment").Info("payment processor ready", zap.String("provider", processor.Provider()))
	return processor, nil
}
