package core

import (
	"sync"

	"github.com/ebfe/scard"
)

// Registry maps the opaque integers handed out by the call surface to live
// contexts and connections. Context handles and connection handles are two
// independent namespaces; both counters start at 1 and never reuse a value.
type Registry struct {
	mu          sync.RWMutex
	contexts    map[Handle]*Context
	nextContext Handle
	cards       map[Handle]cardRef
	nextCard    Handle
}

type cardRef struct {
	context Handle
	local   Handle
}

// Handles is the process-wide registry used by the call surface.
var Handles = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		contexts: make(map[Handle]*Context),
		cards:    make(map[Handle]cardRef),
	}
}

// EstablishContext creates a context and returns its handle.
func (g *Registry) EstablishContext() (Handle, *Context) {
	ctx := NewContext()

	g.mu.Lock()
	g.nextContext++
	h := g.nextContext
	g.contexts[h] = ctx
	g.mu.Unlock()

	return h, ctx
}

// ReleaseContext releases the context and forgets every connection handle
// derived from it.
func (g *Registry) ReleaseContext(h Handle) error {
	g.mu.Lock()
	ctx, ok := g.contexts[h]
	if ok {
		delete(g.contexts, h)
		for ch, ref := range g.cards {
			if ref.context == h {
				delete(g.cards, ch)
			}
		}
	}
	g.mu.Unlock()

	if !ok {
		return scard.ErrInvalidHandle
	}
	return ctx.Release()
}

// Context resolves a context handle.
func (g *Registry) Context(h Handle) (*Context, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ctx, ok := g.contexts[h]
	if !ok {
		return nil, scard.ErrInvalidHandle
	}
	return ctx, nil
}

// Contexts returns the handles of the live contexts.
func (g *Registry) Contexts() []Handle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	list := make([]Handle, 0, len(g.contexts))
	for h := range g.contexts {
		list = append(list, h)
	}
	return list
}

// Bind records a context-local connection handle and returns the global
// handle for it.
func (g *Registry) Bind(context, local Handle) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.contexts[context]; !ok {
		return 0, scard.ErrInvalidHandle
	}
	g.nextCard++
	g.cards[g.nextCard] = cardRef{context: context, local: local}
	return g.nextCard, nil
}

// Connection resolves a global connection handle to its context and the
// context-local handle.
func (g *Registry) Connection(h Handle) (*Context, Handle, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ref, ok := g.cards[h]
	if !ok {
		return nil, 0, scard.ErrInvalidHandle
	}
	ctx, ok := g.contexts[ref.context]
	if !ok {
		return nil, 0, scard.ErrInvalidHandle
	}
	return ctx, ref.local, nil
}

// Unbind forgets a global connection handle.
func (g *Registry) Unbind(h Handle) {
	g.mu.Lock()
	delete(g.cards, h)
	g.mu.Unlock()
}
