package riskguard

import (
	"github.com/tipcall/tipcall/internal/riskguard/service"
	"go.uber.org/fx"
)

var Module = fx.Module("riskguard.service",
	fx.Provide(service.NewService),
)
