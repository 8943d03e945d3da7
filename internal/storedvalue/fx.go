package storedvalue

import (
	"github.com/smallbiznis/keepr/internal/storedvalue/repository"
	"github.com/smallbiznis/keepr/internal/storedvalue/service"
	"go.uber.org/fx"
)

var Module = fx.Module("storedvalue.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(
			repository.NewAccountStore,
			fx.ResultTags(`group:"ledger.subject_stores"`),
		),
	),
	fx.Provide(service.New),
)
