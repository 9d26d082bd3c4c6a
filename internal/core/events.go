package core

import (
	"log/slog"
	"sync"

	"torrentd/internal/domain"
)

// Emitter publishes an event to connected clients.
type Emitter interface {
	Emit(ev domain.Event)
}

// EventManager fans daemon events out to clients and to in-process
// handlers.
type EventManager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	emitters []Emitter
	handlers map[string][]func(domain.Event)
}

func NewEventManager(logger *slog.Logger) *EventManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventManager{logger: logger, handlers: make(map[string][]func(domain.Event))}
}

// AddEmitter forwards every later event to e.
func (m *EventManager) AddEmitter(e Emitter) {
	m.mu.Lock()
	m.emitters = append(m.emitters, e)
	m.mu.Unlock()
}

// On registers fn for events named name.
func (m *EventManager) On(name string, fn func(domain.Event)) {
	m.mu.Lock()
	m.handlers[name] = append(m.handlers[name], fn)
	m.mu.Unlock()
}

func (m *EventManager) Emit(ev domain.Event) {
	m.mu.RLock()
	emitters := append([]Emitter(nil), m.emitters...)
	handlers := append([]func(domain.Event){}, m.handlers[ev.Name]...)
	m.mu.RUnlock()

	m.logger.Debug("event", slog.String("name", ev.Name), slog.Any("args", ev.Args))
	for _, e := range emitters {
		e.Emit(ev)
	}
	for _, fn := range handlers {
		fn(ev)
	}
}
