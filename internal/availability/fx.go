package availability

import (
	"github.com/smallbiznis/keepr/internal/availability/service"
	"go.uber.org/fx"
)

var Module = fx.Module("availability.service",
	fx.Provide(service.New),
)
