package browser

import "context"

// targetContext returns a context that carries the values of tab, where
// chromedp keeps the target connection, and ends as soon as tab or op does.
func targetContext(tab, op context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(tab)
	stop := context.AfterFunc(op, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
