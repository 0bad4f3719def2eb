package queue

import "context"

// linkContext derives a context that is cancelled as soon as either parent or
// other is done. The returned release func must be called on every exit path
// so the watcher on other does not outlive the operation.
func linkContext(parent, other context.Context) (context.Context, context.CancelFunc) {
	linked, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(other, func() {
		cancel(context.Cause(other))
	})
	return linked, func() {
		stop()
		cancel(nil)
	}
}
