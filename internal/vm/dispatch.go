package vm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// EventRegistry tracks the script-registered handlers for each dispatch
// name (spec.md §5: scripts subscribe to events by name, not by polling).
// Grounded in goja-grpc's use of goja.AssertFunction/Callable to accept a
// JS function as a Go-held value and invoke it later outside the call that
// received it.
type EventRegistry struct {
	mu       sync.Mutex
	handlers map[string][]goja.Callable
}

// NewEventRegistry returns an empty registry, one per Session.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{handlers: make(map[string][]goja.Callable)}
}

// Bind installs the botloader.on(name, fn) API scripts call at load time
// to subscribe to a dispatch name.
func (r *EventRegistry) Bind(rt *goja.Runtime) {
	botloader := rt.NewObject()
	_ = botloader.Set("on", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(rt.NewTypeError("botloader.on: second argument must be a function"))
		}
		r.mu.Lock()
		r.handlers[name] = append(r.handlers[name], fn)
		r.mu.Unlock()
		return goja.Undefined()
	})
	_ = rt.Set("botloader", botloader)
}

// Dispatch invokes every handler registered for name, in registration
// order, passing the JSON-decoded payload as the sole argument. A handler
// that throws aborts the remaining handlers for this dispatch and
// propagates the error to the caller's RunDispatch budget accounting.
func (r *EventRegistry) Dispatch(rt *goja.Runtime, name string, payload []byte) error {
	r.mu.Lock()
	fns := append([]goja.Callable(nil), r.handlers[name]...)
	r.mu.Unlock()
	if len(fns) == 0 {
		return nil
	}

	var decoded interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return fmt.Errorf("vm: unmarshal dispatch payload for %q: %w", name, err)
		}
	}
	arg := rt.ToValue(decoded)

	for _, fn := range fns {
		if _, err := fn(goja.Undefined(), arg); err != nil {
			return err
		}
	}
	return nil
}
