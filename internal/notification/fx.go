package notification

import (
	"context"

	"github.com/smallbiznis/keepr/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Dispatcher {
	if !cfg.Kafka.Enabled() {
		return NewLogDispatcher(log)
	}
	dispatcher := NewKafkaDispatcher(KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
	}, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return dispatcher.Close()
		},
	})
	return dispatcher
}
