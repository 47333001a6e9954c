package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// Signature is the declared input and output types of a scalar function.
type Signature struct {
	Inputs []arrow.DataType
	Output arrow.DataType
}

func (s Signature) String() string {
	in := make([]string, len(s.Inputs))
	for i, dt := range s.Inputs {
		in[i] = dt.String()
	}
	return fmt.Sprintf("(%s) -> %s", strings.Join(in, ", "), s.Output)
}

// ScalarFunction computes one output column from argument columns of equal
// length. Invoke returns a new array owned by the caller; the arguments are
// borrowed.
type ScalarFunction interface {
	Name() string
	Signature() Signature
	Invoke(ctx context.Context, args []arrow.Array, numRows int) (arrow.Array, error)
}

// Catalog is the set of registered scalar functions, keyed by
// case-insensitive name.
type Catalog struct {
	mu    sync.RWMutex
	funcs map[string]ScalarFunction
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{funcs: make(map[string]ScalarFunction)}
}

// Register adds fn, replacing any function with the same name.
func (c *Catalog) Register(fn ScalarFunction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[strings.ToLower(fn.Name())] = fn
}

// Deregister removes the named function and reports whether it existed.
func (c *Catalog) Deregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	_, ok := c.funcs[key]
	delete(c.funcs, key)
	return ok
}

// Lookup returns the named function.
func (c *Catalog) Lookup(name string) (ScalarFunction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[strings.ToLower(name)]
	return fn, ok
}

// Names returns the registered function names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.funcs))
	for _, fn := range c.funcs {
		out = append(out, fn.Name())
	}
	sort.Strings(out)
	return out
}
