package alerts

import (
	"context"

	"go.uber.org/zap"
)

// Notifier tells the user about a failure they have to act on: a rejected
// action or a snapshot resync that gave up.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, message string) error {
	n.log.Warn("user notification", zap.String("message", message))
	return nil
}

// Multi fans a notification out to every notifier and returns the first
// error after trying them all.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
