package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a logger tagged with the component and its id
// from the global logger configured by internal/logging.
func ComponentLogger(component, id string) zerolog.Logger {
	ctx := log.Logger.With().Str("component", component)
	if id != "" {
		ctx = ctx.Str("id", id)
	}
	return ctx.Logger()
}
