package winscard

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SimplyPrint/pcsc-sim/internal/core"
	"github.com/ebfe/scard"
)

func TestSimulatorFactory(t *testing.T) {
	var factory ContextFactory = SimulatorFactory{Scope: ScopeSystem}

	sc, err := factory.EstablishContext()
	if err != nil {
		t.Fatalf("EstablishContext failed: %v", err)
	}
	defer sc.Release()

	readers, err := sc.ListReaders()
	if err != nil {
		t.Fatalf("ListReaders failed: %v", err)
	}
	if len(readers) != 0 {
		t.Errorf("expected no readers, got %q", readers)
	}
}

func TestClientScenario(t *testing.T) {
	c, err := Establish(ScopeUser)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	defer c.Release()

	id, err := c.AttachReader("Pinpad Reader")
	if err != nil {
		t.Fatalf("AttachReader failed: %v", err)
	}
	if err := c.InsertCard(id, "test"); err != nil {
		t.Fatalf("InsertCard failed: %v", err)
	}

	readers, _ := c.ListReaders()
	if len(readers) != 1 || readers[0] != id {
		t.Errorf("expected [%s], got %q", id, readers)
	}

	sc, err := c.Connect(id, scard.ShareShared, scard.ProtocolT0)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	card := sc.(*Card)
	if card.ActiveProtocol() != scard.ProtocolT0 {
		t.Errorf("expected T0, got %v", card.ActiveProtocol())
	}

	st, err := sc.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Reader != id || st.ActiveProtocol != scard.ProtocolT0 {
		t.Errorf("unexpected status %+v", st)
	}
	if !bytes.Equal(st.Atr, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16}) {
		t.Errorf("unexpected ATR % X", st.Atr)
	}

	if err := card.BeginTransaction(); err != nil {
		t.Errorf("BeginTransaction failed: %v", err)
	}
	if err := card.EndTransaction(scard.ResetCard); !core.IsWarning(err) {
		t.Errorf("expected reset warning, got %v", err)
	}

	if err := c.RemoveCard(id); err != nil {
		t.Fatalf("RemoveCard failed: %v", err)
	}
	if _, err := sc.Status(); !errors.Is(err, scard.ErrRemovedCard) {
		t.Errorf("expected ErrRemovedCard, got %v", err)
	}
	if err := sc.Disconnect(scard.LeaveCard); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("expected ErrNoSmartcard, got %v", err)
	}
}

func TestClientWaitStatusChange(t *testing.T) {
	c, _ := Establish(ScopeUser)
	defer c.Release()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = c.AttachReader("Non Pinpad Reader")
	}()

	states := []core.ReaderState{{Reader: core.Notification}}
	if err := c.WaitStatusChange(context.Background(), 5*time.Second, states); err != nil {
		t.Fatalf("expected wake, got %v", err)
	}
	if states[0].Reader != "Non Pinpad Reader 0" {
		t.Errorf("unexpected reader %q", states[0].Reader)
	}
}

func TestSplitMultiString(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"\x00", []string{}},
		{"A\x00\x00", []string{"A"}},
		{"A\x00B C\x00\x00", []string{"A", "B C"}},
	}
	for _, tt := range tests {
		got := SplitMultiString([]byte(tt.in))
		if len(got) != len(tt.want) {
			t.Errorf("%q: expected %q, got %q", tt.in, tt.want, got)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%q: expected %q, got %q", tt.in, tt.want, got)
			}
		}
	}
}
