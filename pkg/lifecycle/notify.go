package lifecycle

import (
	"github.com/rs/zerolog/log"
)

// Notifier receives user-facing progress of lifecycle operations.
type Notifier interface {
	// Progress is called before each step of a multi-step transition.
	Progress(op Operation, resource string, step Step, n, total int)
	// Warn reports a destructive or unusual outcome.
	Warn(msg string)
	// Open asks the host to open a resource created by a save-as.
	Open(path string)
}

// LogNotifier writes notifications to the global logger.
type LogNotifier struct{}

func (LogNotifier) Progress(op Operation, resource string, step Step, n, total int) {
	log.Info().
		Str("op", string(op)).
		Str("resource", resource).
		Str("step", string(step)).
		Msgf("%s %s: step %d/%d", op, resource, n, total)
}

func (LogNotifier) Warn(msg string) {
	log.Warn().Msg(msg)
}

func (LogNotifier) Open(path string) {
	log.Info().Str("path", path).Msg("created new resource")
}
