// Package notify delivers short user facing messages.
package notify

import (
	"github.com/apex/log"
)

// Notifier shows a message to the user. Notify must not block for long.
type Notifier interface {
	Notify(msg string)
}

// Func adapts a function to the Notifier interface.
type Func func(msg string)

func (f Func) Notify(msg string) { f(msg) }

// Discard drops every message.
var Discard Notifier = Func(func(string) {})

// Log returns a Notifier writing messages to logger at info level.
func Log(logger log.Interface) Notifier {
	return Func(func(msg string) {
		logger.WithField("notice", true).Info(msg)
	})
}
