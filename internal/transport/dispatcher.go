package transport

import (
	"log"
	"sync"

	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
)

// Handler is the callback signature for a decoded server event. The msg
// parameter is the concrete payload returned by protocol.ParseServerEvent
// (e.g., protocol.RoomMessage, protocol.MessageReadMsg, etc.).
type Handler func(msg interface{})

// Dispatcher routes decoded server events to registered handlers by event
// name. It holds at most one handler per name; the table outlives individual
// connections so a reconnect never installs a second copy.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register associates a Handler with an event name. If a handler was already
// registered for the name, it is replaced.
func (d *Dispatcher) Register(event string, handler Handler) {
	d.mu.Lock()
	d.handlers[event] = handler
	d.mu.Unlock()
}

// Reset tears the whole table down.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.handlers = make(map[string]Handler)
	d.mu.Unlock()
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch parses one raw frame and hands its payload to the registered
// handler. Parse errors and unregistered events are logged and dropped.
func (d *Dispatcher) Dispatch(data []byte) {
	event, msg, err := protocol.ParseServerEvent(data)
	if err != nil {
		log.Printf("[transport] dispatch parse error event=%q: %v", event, err)
		metrics.EventsDropped.WithLabelValues("parse").Inc()
		return
	}
	d.Emit(event, msg)
}

// Emit invokes the handler for event, if any. It is also used for the
// connect/disconnect pseudo-events raised by the session itself.
func (d *Dispatcher) Emit(event string, msg interface{}) {
	d.mu.RLock()
	handler, ok := d.handlers[event]
	d.mu.RUnlock()

	if !ok {
		metrics.EventsDropped.WithLabelValues("unhandled").Inc()
		return
	}
	metrics.EventsReceived.WithLabelValues(event).Inc()
	handler(msg)
}
