package pos

import (
	"github.com/smallbiznis/keepr/internal/pos/repository"
	"github.com/smallbiznis/keepr/internal/pos/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pos.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
