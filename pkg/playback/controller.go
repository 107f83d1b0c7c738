package playback

import "context"

// Controller is a live, initialized platform playback resource. The ledger
// owns a controller exclusively from install until release.
type Controller interface {
	// Release frees the underlying resource. Idempotent. Must not call
	// back into the Manager.
	Release()
}

// ControllerFactory initializes playback resources. Acquire may block for
// as long as ctx allows; the manager bounds each call with its configured
// timeout and applies the outcome back through its own serialization, so
// implementations are free to be called concurrently.
type ControllerFactory interface {
	Acquire(ctx context.Context, desc VideoDescriptor) (Controller, error)
}

// ControllerFactoryFunc adapts a function to the ControllerFactory
// interface.
type ControllerFactoryFunc func(ctx context.Context, desc VideoDescriptor) (Controller, error)

func (f ControllerFactoryFunc) Acquire(ctx context.Context, desc VideoDescriptor) (Controller, error) {
	return f(ctx, desc)
}
