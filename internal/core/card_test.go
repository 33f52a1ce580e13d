package core

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ebfe/scard"
)

var testATR = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16,
}

func newTestCard(t *testing.T) *Card {
	t.Helper()
	c, err := NewCard("test")
	if err != nil {
		t.Fatalf("NewCard failed: %v", err)
	}
	return c
}

func TestNewCard(t *testing.T) {
	c := newTestCard(t)
	if c.Name() != "test" {
		t.Errorf("expected test card, got %q", c.Name())
	}
	if !bytes.Equal(c.ATR(), testATR) {
		t.Errorf("unexpected ATR % X", c.ATR())
	}
	if c.Protocol() != scard.ProtocolT0 || c.ShareMode() != scard.ShareShared {
		t.Errorf("expected shared/T0, got %v/%v", c.ShareMode(), c.Protocol())
	}

	if _, err := NewCard("java"); !errors.Is(err, scard.ErrCardUnsupported) {
		t.Errorf("expected ErrCardUnsupported, got %v", err)
	}
}

func TestCardATRIsCopy(t *testing.T) {
	c := newTestCard(t)
	atr := c.ATR()
	atr[0] = 0xFF
	if c.ATR()[0] != 0x01 {
		t.Error("modifying the returned ATR should not change the card")
	}
}

func TestCardConnect(t *testing.T) {
	tests := []struct {
		name      string
		share     scard.ShareMode
		protocols scard.Protocol
		wantErr   error
	}{
		{"exact", scard.ShareShared, scard.ProtocolT0, nil},
		{"any protocol", scard.ShareShared, scard.ProtocolAny, nil},
		{"exclusive", scard.ShareExclusive, scard.ProtocolT0, scard.ErrInvalidValue},
		{"direct", scard.ShareDirect, scard.ProtocolT0, scard.ErrInvalidValue},
		{"T1 only", scard.ShareShared, scard.ProtocolT1, scard.ErrInvalidValue},
		{"no protocol", scard.ShareShared, scard.ProtocolUndefined, scard.ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCard(t)
			h, proto, err := c.Connect(tt.share, tt.protocols)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr != nil {
				if c.Connections() != 0 {
					t.Error("failed connect should not allocate a handle")
				}
				return
			}
			if h != 1 {
				t.Errorf("expected first handle 1, got %d", h)
			}
			if proto != scard.ProtocolT0 {
				t.Errorf("expected active protocol T0, got %v", proto)
			}
		})
	}
}

func TestCardHandlesIncrease(t *testing.T) {
	c := newTestCard(t)
	h1, _, _ := c.Connect(scard.ShareShared, scard.ProtocolT0)
	h2, _, _ := c.Connect(scard.ShareShared, scard.ProtocolT0)
	if err := c.Disconnect(h2, scard.LeaveCard); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	h3, _, _ := c.Connect(scard.ShareShared, scard.ProtocolT0)
	if !(h1 < h2 && h2 < h3) {
		t.Errorf("expected strictly increasing handles, got %d %d %d", h1, h2, h3)
	}
}

func TestCardDisconnect(t *testing.T) {
	c := newTestCard(t)
	h, _, _ := c.Connect(scard.ShareShared, scard.ProtocolT0)

	if err := c.Disconnect(h, scard.ResetCard); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if c.Connections() != 0 {
		t.Errorf("expected no open connections, got %d", c.Connections())
	}
	if err := c.Disconnect(h, scard.LeaveCard); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle on second disconnect, got %v", err)
	}
	if err := c.BeginTransaction(h); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle after disconnect, got %v", err)
	}
}

func TestCardTransactions(t *testing.T) {
	c := newTestCard(t)
	h, _, _ := c.Connect(scard.ShareShared, scard.ProtocolT0)
	other, _, _ := c.Connect(scard.ShareShared, scard.ProtocolT0)

	if err := c.EndTransaction(h, scard.LeaveCard); !errors.Is(err, scard.ErrNotTransacted) {
		t.Errorf("expected ErrNotTransacted, got %v", err)
	}
	if err := c.BeginTransaction(h); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if err := c.BeginTransaction(h); !errors.Is(err, scard.ErrSharingViolation) {
		t.Errorf("expected ErrSharingViolation, got %v", err)
	}
	if err := c.BeginTransaction(other); err != nil {
		t.Errorf("transactions are per handle, got %v", err)
	}
	if err := c.EndTransaction(h, scard.LeaveCard); err != nil {
		t.Errorf("EndTransaction failed: %v", err)
	}
	if err := c.EndTransaction(h, scard.LeaveCard); !errors.Is(err, scard.ErrNotTransacted) {
		t.Errorf("expected transaction to be cleared, got %v", err)
	}
}

func TestCardEndTransactionReset(t *testing.T) {
	c := newTestCard(t)
	h, _, _ := c.Connect(scard.ShareShared, scard.ProtocolT0)
	_ = c.BeginTransaction(h)

	err := c.EndTransaction(h, scard.ResetCard)
	if !errors.Is(err, scard.ErrResetCard) {
		t.Fatalf("expected ErrResetCard, got %v", err)
	}
	if !IsWarning(err) {
		t.Error("reset outcome should be a warning")
	}
	if err := c.BeginTransaction(h); err != nil {
		t.Errorf("reset still ends the transaction, got %v", err)
	}
}

func TestCardExecute(t *testing.T) {
	c := newTestCard(t)
	h, _, _ := c.Connect(scard.ShareShared, scard.ProtocolT0)

	if _, err := c.Execute(h, []byte{0x00, 0xA4, 0x04, 0x00}); !errors.Is(err, scard.ErrUnsupportedFeature) {
		t.Errorf("expected ErrUnsupportedFeature, got %v", err)
	}
	if _, err := c.Execute(h+10, nil); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
}
