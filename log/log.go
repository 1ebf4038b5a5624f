package log

import (
	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/common/observable"
)

type (
	Logger        = logger.Logger
	ContextLogger = logger.ContextLogger
)

// Entry is one emitted log event, fanned out to subscribers for
// collaborator-side persistence or display.
type Entry struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

type Factory interface {
	Level() Level
	SetLevel(level Level)
	Logger() ContextLogger
	NewLogger(tag string) ContextLogger
	Subscribe() (subscription observable.Subscription[Entry], done <-chan struct{}, err error)
	UnSubscribe(subscription observable.Subscription[Entry])
	Close() error
}
