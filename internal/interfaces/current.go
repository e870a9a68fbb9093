package interfaces

import "context"

// currentDriverKey implements the scoped "current driver" guard called for
// in spec.md §9's design notes: driver op calls run with an ambient
// reference to the owning registry entry, carried on the context.Context
// that already flows through Parser.Parse/Pusher.Poll, rather than a
// package-global thread-local.
type currentDriverKey struct{}

// WithCurrentDriver returns a context carrying drv as the current driver,
// for the duration of the call tree rooted at that context.
func WithCurrentDriver(ctx context.Context, drv Driver) context.Context {
	return context.WithValue(ctx, currentDriverKey{}, drv)
}

// CurrentDriver returns the driver bound by the innermost enclosing
// WithCurrentDriver on ctx, or nil if none.
func CurrentDriver(ctx context.Context) Driver {
	drv, _ := ctx.Value(currentDriverKey{}).(Driver)
	return drv
}
