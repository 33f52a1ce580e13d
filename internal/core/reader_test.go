package core

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ebfe/scard"
)

func newTestReader(t *testing.T) *Reader {
	t.Helper()
	r, err := NewReader("Non Pinpad Reader", 0)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	return r
}

func TestNewReader(t *testing.T) {
	tests := []struct {
		name   string
		suffix int
		id     string
		kind   ReaderKind
		pinpad bool
	}{
		{"Non Pinpad Reader", 0, "Non Pinpad Reader 0", ReaderKindNonPinpad, false},
		{"Pinpad Reader", 2, "Pinpad Reader 2", ReaderKindPinpad, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(tt.name, tt.suffix)
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}
			if r.ID() != tt.id {
				t.Errorf("expected id %q, got %q", tt.id, r.ID())
			}
			if r.Kind() != tt.kind || r.Pinpad() != tt.pinpad {
				t.Errorf("expected kind %v pinpad %v, got %v %v", tt.kind, tt.pinpad, r.Kind(), r.Pinpad())
			}
			if r.HasCard() {
				t.Error("new reader should be empty")
			}
		})
	}

	if _, err := NewReader("Magic Reader", 0); !errors.Is(err, scard.ErrUnknownReader) {
		t.Errorf("expected ErrUnknownReader, got %v", err)
	}
}

func TestReaderInsertEject(t *testing.T) {
	r := newTestReader(t)

	if got := r.State(); got != uint32(scard.Absent) {
		t.Errorf("expected absent state, got %#x", got)
	}

	if err := r.InsertCard("test"); err != nil {
		t.Fatalf("InsertCard failed: %v", err)
	}
	if r.CardName() != "test" {
		t.Errorf("expected test card, got %q", r.CardName())
	}
	if got, want := r.State(), uint32(1)<<16|uint32(scard.Specific); got != want {
		t.Errorf("expected state %#x, got %#x", want, got)
	}

	if err := r.InsertCard("test"); !errors.Is(err, ErrCardInReader) {
		t.Errorf("expected ErrCardInReader, got %v", err)
	}
	if r.EventCount() != 1 {
		t.Errorf("refused insert should not count, got %d", r.EventCount())
	}

	if err := r.EjectCard(); err != nil {
		t.Fatalf("EjectCard failed: %v", err)
	}
	if got, want := r.State(), uint32(2)<<16|uint32(scard.Absent); got != want {
		t.Errorf("expected state %#x, got %#x", want, got)
	}
	if err := r.EjectCard(); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("expected ErrNoSmartcard, got %v", err)
	}
}

func TestReaderInsertUnsupportedCard(t *testing.T) {
	r := newTestReader(t)
	if err := r.InsertCard("gold"); !errors.Is(err, scard.ErrCardUnsupported) {
		t.Errorf("expected ErrCardUnsupported, got %v", err)
	}
	if r.HasCard() || r.EventCount() != 0 {
		t.Error("unsupported card should leave the reader untouched")
	}
}

func TestReaderEventCounterMonotonic(t *testing.T) {
	r := newTestReader(t)
	last := r.EventCount()
	for i := 0; i < 5; i++ {
		_ = r.InsertCard("test")
		_ = r.EjectCard()
		if c := r.EventCount(); c <= last {
			t.Fatalf("counter did not increase: %d -> %d", last, c)
		}
		last = r.EventCount()
	}
	if last != 10 {
		t.Errorf("expected 10 events, got %d", last)
	}
}

func TestReaderWithoutCard(t *testing.T) {
	r := newTestReader(t)

	if _, _, err := r.Connect(scard.ShareShared, scard.ProtocolT0); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("Connect: expected ErrNoSmartcard, got %v", err)
	}
	if err := r.BeginTransaction(1); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("BeginTransaction: expected ErrNoSmartcard, got %v", err)
	}
	if err := r.EndTransaction(1, scard.ResetCard); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("EndTransaction: expected ErrNoSmartcard, got %v", err)
	}
	if err := r.Disconnect(1, scard.LeaveCard); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("Disconnect: expected ErrNoSmartcard, got %v", err)
	}

	st, err := r.Status(1, nil, nil)
	if !errors.Is(err, scard.ErrRemovedCard) {
		t.Errorf("Status: expected ErrRemovedCard, got %v", err)
	}
	if st.State != uint32(scard.Absent) {
		t.Errorf("Status should still report the state, got %#x", st.State)
	}
}

func TestReaderDisconnectEject(t *testing.T) {
	r := newTestReader(t)
	_ = r.InsertCard("test")
	h, _, err := r.Connect(scard.ShareShared, scard.ProtocolT0)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := r.Disconnect(h, scard.EjectCard); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if r.HasCard() {
		t.Error("EjectCard disposition should eject the card")
	}
}

func TestReaderDisconnectEjectStaleHandle(t *testing.T) {
	r := newTestReader(t)
	_ = r.InsertCard("test")

	err := r.Disconnect(42, scard.EjectCard)
	if !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("expected the card's ErrInvalidHandle to be reported, got %v", err)
	}
	if r.HasCard() {
		t.Error("eject disposition applies whatever the card reported")
	}
}

func TestReaderEndTransactionEject(t *testing.T) {
	r := newTestReader(t)
	_ = r.InsertCard("test")
	h, _, _ := r.Connect(scard.ShareShared, scard.ProtocolT0)
	_ = r.BeginTransaction(h)

	if err := r.EndTransaction(h, scard.EjectCard); err != nil {
		t.Fatalf("EndTransaction failed: %v", err)
	}
	if r.HasCard() {
		t.Error("EjectCard disposition should eject the card")
	}
}

func TestReaderTransmit(t *testing.T) {
	r := newTestReader(t)
	_ = r.InsertCard("test")
	h, _, _ := r.Connect(scard.ShareShared, scard.ProtocolT0)

	if _, err := r.Transmit(h, []byte{0x00, 0xB0, 0x00, 0x00, 0x10}); !errors.Is(err, scard.ErrUnsupportedFeature) {
		t.Errorf("expected ErrUnsupportedFeature, got %v", err)
	}
}

func TestReaderStatus(t *testing.T) {
	r := newTestReader(t)
	_ = r.InsertCard("test")
	h, _, _ := r.Connect(scard.ShareShared, scard.ProtocolT0)

	probe, err := r.Status(h, nil, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if probe.ReaderLen != len("Non Pinpad Reader 0")+1 {
		t.Errorf("expected reader len %d, got %d", len("Non Pinpad Reader 0")+1, probe.ReaderLen)
	}
	if probe.AtrLen != len(testATR) {
		t.Errorf("expected ATR len %d, got %d", len(testATR), probe.AtrLen)
	}

	name := make([]byte, probe.ReaderLen)
	atr := make([]byte, probe.AtrLen)
	st, err := r.Status(h, name, atr)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if string(name) != "Non Pinpad Reader 0\x00" {
		t.Errorf("unexpected reader name %q", name)
	}
	if !bytes.Equal(atr, testATR) || !bytes.Equal(st.Atr, testATR) {
		t.Errorf("unexpected ATR % X", atr)
	}
	if st.Protocol != scard.ProtocolT0 {
		t.Errorf("expected T0, got %v", st.Protocol)
	}
	if st.State&uint32(scard.Specific) == 0 {
		t.Errorf("expected present state, got %#x", st.State)
	}
}

func TestReaderStatusInsufficientBuffer(t *testing.T) {
	r := newTestReader(t)
	_ = r.InsertCard("test")
	h, _, _ := r.Connect(scard.ShareShared, scard.ProtocolT0)

	short := bytes.Repeat([]byte{0xAA}, 4)
	st, err := r.Status(h, short, nil)
	if !errors.Is(err, scard.ErrInsufficientBuffer) {
		t.Fatalf("expected ErrInsufficientBuffer, got %v", err)
	}
	if st.ReaderLen != len("Non Pinpad Reader 0")+1 {
		t.Errorf("expected exact required length, got %d", st.ReaderLen)
	}
	if !bytes.Equal(short, []byte{0xAA, 0xAA, 0xAA, 0xAA}) {
		t.Errorf("short buffer should not be written, got % X", short)
	}

	if _, err := r.Status(h, nil, make([]byte, 3)); !errors.Is(err, scard.ErrInsufficientBuffer) {
		t.Errorf("short ATR buffer: expected ErrInsufficientBuffer, got %v", err)
	}

	name := make([]byte, st.ReaderLen)
	if _, err := r.Status(h, name, nil); err != nil {
		t.Errorf("retry with the reported size failed: %v", err)
	}
}

func TestReaderStatusInvalidHandle(t *testing.T) {
	r := newTestReader(t)
	_ = r.InsertCard("test")

	st, err := r.Status(99, nil, nil)
	if !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
	if st.AtrLen != len(testATR) {
		t.Errorf("sizes are reported even on failure, got %d", st.AtrLen)
	}
}
