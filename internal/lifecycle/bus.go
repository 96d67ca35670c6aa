package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes lifecycle events. Handlers filter on the event's stage
// themselves and return nil for events they ignore.
type Handler interface {
	Name() string
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	ID string
	Fn func(ctx context.Context, evt Event) error
}

func (h HandlerFunc) Name() string { return h.ID }

func (h HandlerFunc) Handle(ctx context.Context, evt Event) error { return h.Fn(ctx, evt) }

// HandlerError is one isolated handler failure inside a delivery.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("%s: %v", e.Handler, e.Err) }

func (e *HandlerError) Unwrap() error { return e.Err }

// Bus delivers each event to the handlers declared for its kind, one after
// another in declaration order.
type Bus struct {
	Logger *slog.Logger
	// OnHandlerError is called once per failing handler.
	OnHandlerError func(handler string, evt Event, err error)
	// OnDeliver is called once per delivered event, before the handlers run.
	OnDeliver func(evt Event)

	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{Logger: logger, handlers: map[Kind][]Handler{}}
}

// On appends handlers to the ordered list of kind.
func (b *Bus) On(kind Kind, handlers ...Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = map[Kind][]Handler{}
	}
	b.handlers[kind] = append(b.handlers[kind], handlers...)
}

// Handlers returns the declared order for kind.
func (b *Bus) Handlers(kind Kind) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers[kind]))
	copy(out, b.handlers[kind])
	return out
}

// Deliver runs every handler of evt.Kind in order. A failing handler does not
// stop the ones after it; all failures are joined into the returned error.
func (b *Bus) Deliver(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if b.OnDeliver != nil {
		b.OnDeliver(evt)
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for _, h := range b.Handlers(evt.Kind) {
		if err := safeHandle(ctx, h, evt); err != nil {
			logger.Error("lifecycle handler failed",
				"handler", h.Name(),
				"kind", string(evt.Kind),
				"stage", string(evt.Stage),
				"task_id", evt.TaskID,
				"error", err)
			if b.OnHandlerError != nil {
				b.OnHandlerError(h.Name(), evt, err)
			}
			errs = append(errs, &HandlerError{Handler: h.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func safeHandle(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}
