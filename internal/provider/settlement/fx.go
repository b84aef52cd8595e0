package settlement

import "go.uber.org/fx"

var Module = fx.Module("provider.settlement",
	fx.Provide(NewHTTPAdapter),
)
