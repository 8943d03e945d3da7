package ledger

import (
	"github.com/smallbiznis/keepr/internal/ledger/repository"
	"github.com/smallbiznis/keepr/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(
			repository.NewBalanceStore,
			fx.ResultTags(`group:"ledger.subject_stores"`),
		),
	),
	fx.Provide(service.NewService),
)
