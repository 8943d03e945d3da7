package pricing

import (
	"github.com/smallbiznis/keepr/internal/pricing/repository"
	"github.com/smallbiznis/keepr/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.service",
	fx.Provide(repository.NewConfigStore),
	fx.Provide(service.New),
)
