package operations

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is the process-wide operation table. Production code appends
// during a one-time discovery pass; Reset exists for test harnesses only.
type Registry struct {
	mu  sync.RWMutex
	ops map[string][]*OperationInfo

	discoverMu sync.Mutex
	discovered bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string][]*OperationInfo)}
}

var global = NewRegistry()

// Global returns the shared process-wide registry.
func Global() *Registry { return global }

// Register validates and appends an operation overload. Operation names are
// case-insensitive.
func (r *Registry) Register(op *OperationInfo) error {
	if err := op.validate(); err != nil {
		return err
	}
	key := strings.ToLower(op.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[key] = append(r.ops[key], op)
	return nil
}

// MustRegister panics on a registration error; used for built-in operations
// whose signatures are fixed at compile time.
func (r *Registry) MustRegister(op *OperationInfo) {
	if err := r.Register(op); err != nil {
		panic(fmt.Sprintf("operations: built-in registration failed: %v", err))
	}
}

// Candidates returns the overloads registered under a name, or nil.
func (r *Registry) Candidates(name string) []*OperationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ops[strings.ToLower(name)]
}

// DiscoverOnce runs the discovery callback at most once per registry
// lifetime. Concurrent first-touch callers all observe a fully populated
// table.
func (r *Registry) DiscoverOnce(discover func(*Registry)) {
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()
	if r.discovered {
		return
	}
	discover(r)
	r.discovered = true
}

// Reset clears the table and re-arms the discovery gate. Test and
// administrative contexts only; never called on a production request path.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.ops = make(map[string][]*OperationInfo)
	r.mu.Unlock()

	r.discoverMu.Lock()
	r.discovered = false
	r.discoverMu.Unlock()
}
