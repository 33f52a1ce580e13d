package core

import (
	"errors"
	"testing"

	"github.com/ebfe/scard"
)

func TestRegistryContexts(t *testing.T) {
	g := NewRegistry()

	h1, c1 := g.EstablishContext()
	h2, _ := g.EstablishContext()
	if h1 != 1 || h2 != 2 {
		t.Errorf("expected handles 1 and 2, got %d and %d", h1, h2)
	}

	got, err := g.Context(h1)
	if err != nil || got != c1 {
		t.Fatalf("expected to resolve context %d, got %v", h1, err)
	}

	if err := g.ReleaseContext(h1); err != nil {
		t.Fatalf("ReleaseContext failed: %v", err)
	}
	if !c1.Released() {
		t.Error("releasing the handle should release the context")
	}
	if _, err := g.Context(h1); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
	if err := g.ReleaseContext(h1); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("double release: expected ErrInvalidHandle, got %v", err)
	}

	h3, _ := g.EstablishContext()
	if h3 <= h2 {
		t.Errorf("handles must never be reused, got %d after %d", h3, h2)
	}
	if len(g.Contexts()) != 2 {
		t.Errorf("expected 2 live contexts, got %d", len(g.Contexts()))
	}
}

func TestRegistryConnections(t *testing.T) {
	g := NewRegistry()
	hCtx, ctx := g.EstablishContext()
	id, _ := ctx.AttachReader("Non Pinpad Reader")
	_ = ctx.InsertCard(id, "test")
	local, _, _ := ctx.Connect(id, scard.ShareShared, scard.ProtocolT0)

	if _, err := g.Bind(99, local); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("bind to unknown context: expected ErrInvalidHandle, got %v", err)
	}

	hCard, err := g.Bind(hCtx, local)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	gotCtx, gotLocal, err := g.Connection(hCard)
	if err != nil || gotCtx != ctx || gotLocal != local {
		t.Fatalf("expected (%p, %d), got (%p, %d, %v)", ctx, local, gotCtx, gotLocal, err)
	}

	g.Unbind(hCard)
	if _, _, err := g.Connection(hCard); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle after Unbind, got %v", err)
	}
}

func TestRegistryReleaseDropsConnections(t *testing.T) {
	g := NewRegistry()
	hCtx, ctx := g.EstablishContext()
	other, _ := g.EstablishContext()
	id, _ := ctx.AttachReader("Pinpad Reader")
	_ = ctx.InsertCard(id, "test")
	local, _, _ := ctx.Connect(id, scard.ShareShared, scard.ProtocolT0)
	hCard, _ := g.Bind(hCtx, local)
	kept, _ := g.Bind(other, 1)

	_ = g.ReleaseContext(hCtx)

	if _, _, err := g.Connection(hCard); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("expected card handle to die with its context, got %v", err)
	}
	if _, _, err := g.Connection(kept); err != nil {
		t.Errorf("handles of other contexts should survive, got %v", err)
	}
}
