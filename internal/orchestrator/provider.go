// Package orchestrator holds the privileged session that runs its own
// model loop and steers pooled agent sessions through tools.
package orchestrator

import (
	"context"

	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

// ModelProvider turns a model request into a stream of typed events. The
// text variant calls the model API directly; the voice variant is
// queue-driven from mirrored external events.
//
// The returned channel is closed when the turn ends — after TurnComplete,
// a terminal Error event, or context cancellation.
type ModelProvider interface {
	CreateMessage(ctx context.Context, messages []session.HistoryMessage, defs []tools.Definition, system string) <-chan session.Event
}
