// Package command runs attacker command lines against an emulated host.
// It owns the command registry, the per-invocation contract, the shell
// line parser and the executor that wires pipes and redirections.
package command

import (
	"context"
	"sort"
	"sync"
)

// Command is one emulated program. Run returns the exit status. A command
// that blocks must return promptly once ctx is done.
type Command interface {
	Run(ctx context.Context, inv *Invocation) int
}

// EOFHandler is implemented by commands that react to ^D themselves. The
// default is to terminate the invocation.
type EOFHandler interface {
	EOF(inv *Invocation)
}

// InterruptHandler is implemented by commands that print something of their
// own on ^C. The rest of the command line is abandoned either way.
type InterruptHandler interface {
	Interrupt(inv *Invocation)
}

// Func adapts a plain function to a Command.
type Func func(ctx context.Context, inv *Invocation) int

func (f Func) Run(ctx context.Context, inv *Invocation) int { return f(ctx, inv) }

// Factory returns a fresh Command for each invocation.
type Factory func() Command

// Of wraps a stateless function as a Factory.
func Of(f Func) Factory {
	return func() Command { return f }
}

// Registry maps invocation names to commands. Names are either bare ("ls")
// or absolute ("/bin/ls").
type Registry struct {
	cmds     map[string]Factory
	builtins map[string]bool
	mu       sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{cmds: make(map[string]Factory), builtins: make(map[string]bool)}
}

// Register binds f to every name.
func (r *Registry) Register(f Factory, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.cmds[n] = f
	}
}

// RegisterBuiltin binds f to names that resolve without a PATH lookup,
// like cd or exit.
func (r *Registry) RegisterBuiltin(f Factory, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.cmds[n] = f
		r.builtins[n] = true
	}
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.cmds[name]
	return f, ok
}

// IsBuiltin reports whether name is a shell builtin.
func (r *Registry) IsBuiltin(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builtins[name]
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
