// Package jobtype defines the operations fleetrun can run on a target and the
// registry the executor looks them up in.
//
// Job types are compiled in and registered by name at startup; there is no
// runtime plugin loading.
package jobtype

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"fleetrun/internal/model"
	"fleetrun/internal/transport"
)

// JobType is one kind of operation.
//
// Run writes combined command output to out. A command that exits non-zero
// returns *transport.ExitError; a transport failure returns
// *model.ConnectionError. Run must honour ctx cancellation.
type JobType interface {
	Name() string
	Validate(params map[string]string) error
	Run(ctx context.Context, sess transport.Session, params map[string]string, out io.Writer) error
}

// Registry maps job type names to implementations. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]JobType
}

func NewRegistry(types ...JobType) *Registry {
	r := &Registry{types: map[string]JobType{}}
	for _, jt := range types {
		_ = r.Register(jt)
	}
	return r
}

// Register adds jt. Registering a name twice is an error.
func (r *Registry) Register(jt JobType) error {
	if jt == nil || strings.TrimSpace(jt.Name()) == "" {
		return fmt.Errorf("jobtype: name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[jt.Name()]; dup {
		return fmt.Errorf("jobtype: %q already registered", jt.Name())
	}
	r.types[jt.Name()] = jt
	return nil
}

func (r *Registry) Lookup(name string) (JobType, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	jt, ok := r.types[name]
	return jt, ok
}

// Has reports whether name is registered. It matches model.ValidateOptions.KnownJobType.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for n := range r.types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks params against the named job type.
func (r *Registry) Validate(name string, params map[string]string) error {
	jt, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownJobType, name)
	}
	return jt.Validate(params)
}

func requireParams(params map[string]string, keys ...string) error {
	for _, k := range keys {
		if strings.TrimSpace(params[k]) == "" {
			return fmt.Errorf("%w: missing param %q", model.ErrConfiguration, k)
		}
	}
	return nil
}

// runScript runs script on sess with stdout and stderr both going to out.
func runScript(ctx context.Context, sess transport.Session, script string, env map[string]string, out io.Writer) error {
	return sess.Run(ctx, transport.Command{Script: script, Env: env, Stdout: out, Stderr: out})
}
