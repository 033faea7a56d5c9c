package factor

import (
	"fmt"

	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/internal/storage"
)

// Constructor builds a driver for one method. The id is empty for a fresh,
// not-yet-persisted factor.
type Constructor func(id string, store storage.Store) (Driver, error)

// Registry maps method names to driver constructors, populated at startup.
type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register binds a method name to its driver constructor.
func (r *Registry) Register(method string, ctor Constructor) {
	r.constructors[method] = ctor
}

// Methods lists the registered method names.
func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.constructors))
	for m := range r.constructors {
		methods = append(methods, m)
	}
	return methods
}

// New produces a configured driver for the factor id ("<method>:<instance>"
// or a bare method name for a fresh factor), bound to the account-scoped
// store and username.
func (r *Registry) New(factorID string, store storage.Store, username string) (Driver, error) {
	method := models.MethodOf(factorID)

	ctor, ok := r.constructors[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownMethod, method)
	}

	id := factorID
	if id == method {
		id = ""
	}

	driver, err := ctor(id, store)
	if err != nil {
		return nil, err
	}

	if username != "" {
		driver.SetUsername(username)
	}

	return driver, nil
}
