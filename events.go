package ledge

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Extension points. Each callback receives the in-progress response or
// request-parameters object and may mutate it in place.
const (
	EventAfterCacheRead             = "after_cache_read"
	EventBeforeUpstreamRequest      = "before_upstream_request"
	EventAfterUpstreamRequest       = "after_upstream_request"
	EventBeforeSave                 = "before_save"
	EventBeforeSaveRevalidationData = "before_save_revalidation_data"
	EventBeforeServe                = "before_serve"
)

// EventCallback observes or mutates the payload of an extension point.
// Errors are logged and swallowed; a callback can never destabilize the
// engine or stop later callbacks from running.
type EventCallback func(payload any) error

// EventBus dispatches ordered, best-effort callbacks at named extension
// points. Names must be registered up front: binding to an unknown name is
// an error (a guard against typos in user code), while emitting on an
// unknown name panics, since that marks a defect in the engine itself.
type EventBus struct {
	log      zerolog.Logger
	handlers map[string][]EventCallback
}

func NewEventBus(log zerolog.Logger) *EventBus {
	bus := &EventBus{
		log:      log,
		handlers: make(map[string][]EventCallback),
	}
	for _, name := range []string{
		EventAfterCacheRead,
		EventBeforeUpstreamRequest,
		EventAfterUpstreamRequest,
		EventBeforeSave,
		EventBeforeSaveRevalidationData,
		EventBeforeServe,
	} {
		bus.handlers[name] = nil
	}
	return bus
}

// Bind appends a callback to the named extension point.
func (b *EventBus) Bind(name string, cb EventCallback) error {
	if _, ok := b.handlers[name]; !ok {
		return fmt.Errorf("no such event: %s", name)
	}
	b.handlers[name] = append(b.handlers[name], cb)
	return nil
}

// Emit invokes every bound callback in binding order. Emission always
// succeeds from the caller's point of view.
func (b *EventBus) Emit(name string, payload any) {
	callbacks, ok := b.handlers[name]
	if !ok {
		panic(fmt.Sprintf("attempt to emit unregistered event: %s", name))
	}
	for _, cb := range callbacks {
		b.dispatch(name, cb, payload)
	}
}

func (b *EventBus) dispatch(name string, cb EventCallback, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", name).Str("error", fmt.Sprint(r)).Msg("Panic in event callback")
		}
	}()
	if err := cb(payload); err != nil {
		b.log.Error().Str("event", name).Err(err).Msg("Error in event callback")
	}
}
