package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/logdeck/pkg/protocol"
)

// Call is one request as seen by a handler.
type Call struct {
	Session string
	Seq     uint64
	Method  string
	params  json.RawMessage
}

type validator interface {
	Validate() error
}

// Bind decodes the params into v and runs v.Validate when v has one. Both
// failures are reported as invalid params.
func (c *Call) Bind(v any) error {
	req := protocol.Request{Method: c.Method, Params: c.params}
	if err := req.DecodeParams(v); err != nil {
		return err
	}
	if val, ok := v.(validator); ok {
		if err := val.Validate(); err != nil {
			return invalidParams(err)
		}
	}
	return nil
}

// Handler serves one engine method. Returning a context error after the call
// was cancelled reports the job as cancelled.
type Handler func(ctx context.Context, call *Call) (any, error)

// Methods maps method names to handlers.
type Methods struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMethods creates an empty method table.
func NewMethods() *Methods {
	return &Methods{
		handlers: make(map[string]Handler),
	}
}

// Register adds handler under name.
func (m *Methods) Register(name string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if name == "" || name == protocol.MethodCancel {
		return fmt.Errorf("invalid method name %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[name]; exists {
		return fmt.Errorf("method %s already registered", name)
	}
	m.handlers[name] = handler
	return nil
}

// Lookup returns the handler for name.
func (m *Methods) Lookup(name string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	handler, exists := m.handlers[name]
	return handler, exists
}

// Names lists registered methods.
func (m *Methods) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func methodNotFound(method string) *protocol.Error {
	return &protocol.Error{Code: protocol.MethodNotFound, Message: fmt.Sprintf("Method not found: %s", method)}
}

func invalidParams(err error) *protocol.Error {
	return &protocol.Error{Code: protocol.InvalidParams, Message: err.Error()}
}

func internalError(err error) *protocol.Error {
	return &protocol.Error{Code: protocol.InternalError, Message: err.Error()}
}
