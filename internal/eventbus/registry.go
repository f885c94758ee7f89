package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report field errors with the wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// HandlerFunc handles one decoded, validated event.
type HandlerFunc[T Event] func(ctx context.Context, event T) error

type registration struct {
	name   Name
	decode func(body []byte) (Event, error)
	handle func(ctx context.Context, event Event) error
}

// Registry maps event names to their payload schema and handler. It is
// built once at start-up and frozen when the bus starts consuming.
type Registry struct {
	mu      sync.Mutex
	frozen  bool
	entries map[Name]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Name]registration)}
}

// Register binds a handler to the event variant T. The struct type T is the
// schema: its json tags define the wire fields and its validate tags the
// constraints checked before the handler runs.
func Register[T Event](r *Registry, handler HandlerFunc[T]) error {
	var zero T
	name := zero.EventName()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot add %s", ErrRegistryFrozen, name)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}

	r.entries[name] = registration{
		name: name,
		decode: func(body []byte) (Event, error) {
			return Decode[T](body)
		},
		handle: func(ctx context.Context, event Event) error {
			return handler(ctx, event.(T))
		},
	}
	return nil
}

// Decode parses and validates a body as event variant T.
func Decode[T Event](body []byte) (T, error) {
	var event T
	got, err := PeekName(body)
	if err != nil {
		return event, err
	}
	if want := event.EventName(); got != want {
		return event, fmt.Errorf("%w: name %q, expected %q", ErrInvalidPayload, got, want)
	}
	if err := codec.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return event, nil
}

// Names lists the registered event names in a stable order.
func (r *Registry) Names() []Name {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]Name, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (r *Registry) freeze() map[Name]registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
	return r.entries
}
