package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a child of the global logger tagged with the
// component and endpoint it belongs to.
func ComponentLogger(component, endpoint string) zerolog.Logger {
	ctx := log.Logger.With().Str("component", component)
	if endpoint != "" {
		ctx = ctx.Str("endpoint", endpoint)
	}
	return ctx.Logger()
}
