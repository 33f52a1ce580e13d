package core

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/ebfe/scard"
)

func TestAttachReaderSuffixes(t *testing.T) {
	c := NewContext()

	names := []string{"Non Pinpad Reader", "Pinpad Reader", "Non Pinpad Reader", "Non Pinpad Reader", "Pinpad Reader"}
	want := []string{"Non Pinpad Reader 0", "Pinpad Reader 0", "Non Pinpad Reader 1", "Non Pinpad Reader 2", "Pinpad Reader 1"}

	for i, name := range names {
		id, err := c.AttachReader(name)
		if err != nil {
			t.Fatalf("AttachReader(%q) failed: %v", name, err)
		}
		if id != want[i] {
			t.Errorf("attach %d: expected %q, got %q", i, want[i], id)
		}
	}

	ids := c.ReaderIDs()
	if len(ids) != len(want) {
		t.Fatalf("expected %d readers, got %d", len(want), len(ids))
	}
	for i := range ids {
		if ids[i] != want[i] {
			t.Errorf("expected attach order %q at %d, got %q", want[i], i, ids[i])
		}
	}
}

func TestAttachUnknownReader(t *testing.T) {
	c := NewContext()
	if _, err := c.AttachReader("Nonpinpad Reader"); !errors.Is(err, scard.ErrUnknownReader) {
		t.Errorf("expected ErrUnknownReader, got %v", err)
	}
	if len(c.Readers()) != 0 {
		t.Error("failed attach should not add a reader")
	}
}

func TestAttachReaderConcurrentIDsUnique(t *testing.T) {
	c := NewContext()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = c.AttachReader("Pinpad Reader")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate identifier %q", id)
		}
		seen[id] = true
	}
}

func TestListReaders(t *testing.T) {
	c := NewContext()

	if _, err := c.ListReaders(nil); !errors.Is(err, scard.ErrNoReadersAvailable) {
		t.Errorf("expected ErrNoReadersAvailable, got %v", err)
	}

	_, _ = c.AttachReader("Non Pinpad Reader")
	_, _ = c.AttachReader("Pinpad Reader")
	want := []byte("Non Pinpad Reader 0\x00Pinpad Reader 0\x00\x00")

	n, err := c.ListReaders(nil)
	if err != nil {
		t.Fatalf("size probe failed: %v", err)
	}
	if n != len(want) {
		t.Errorf("expected size %d, got %d", len(want), n)
	}

	short := make([]byte, n-1)
	if got, err := c.ListReaders(short); !errors.Is(err, scard.ErrInsufficientBuffer) || got != n {
		t.Errorf("expected ErrInsufficientBuffer with size %d, got %d %v", n, got, err)
	}
	if !bytes.Equal(short, make([]byte, n-1)) {
		t.Error("short buffer should not be written")
	}

	buf := make([]byte, n)
	if _, err := c.ListReaders(buf); err != nil {
		t.Fatalf("ListReaders failed: %v", err)
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("expected %q, got %q", want, buf)
	}
}

func TestContextCardLifecycle(t *testing.T) {
	c := NewContext()
	id, _ := c.AttachReader("Non Pinpad Reader")

	if err := c.InsertCard("Pinpad Reader 0", "test"); !errors.Is(err, scard.ErrReaderUnavailable) {
		t.Errorf("insert into missing reader: expected ErrReaderUnavailable, got %v", err)
	}
	if err := c.RemoveCard("Pinpad Reader 0"); !errors.Is(err, scard.ErrReaderUnavailable) {
		t.Errorf("remove from missing reader: expected ErrReaderUnavailable, got %v", err)
	}
	if err := c.InsertCard(id, "test"); err != nil {
		t.Fatalf("InsertCard failed: %v", err)
	}
	if err := c.InsertCard(id, "test"); !errors.Is(err, ErrCardInReader) {
		t.Errorf("expected ErrCardInReader, got %v", err)
	}
	if err := c.RemoveCard(id); err != nil {
		t.Fatalf("RemoveCard failed: %v", err)
	}
	if err := c.RemoveCard(id); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("expected ErrNoSmartcard, got %v", err)
	}
}

// Attach a reader, insert a card, connect and read the status back.
func TestScenarioAttachAndConnect(t *testing.T) {
	c := NewContext()

	id, err := c.AttachReader("Non Pinpad Reader")
	if err != nil || id != "Non Pinpad Reader 0" {
		t.Fatalf("expected Non Pinpad Reader 0, got %q %v", id, err)
	}
	if err := c.InsertCard(id, "test"); err != nil {
		t.Fatalf("InsertCard failed: %v", err)
	}

	h, proto, err := c.Connect(id, scard.ShareShared, scard.ProtocolT0)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if proto != scard.ProtocolT0 {
		t.Errorf("expected T0, got %v", proto)
	}

	st, err := c.Status(h, make([]byte, 64), make([]byte, 32))
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.State&uint32(scard.Specific) == 0 {
		t.Errorf("expected card present, got %#x", st.State)
	}
	if st.Reader != id {
		t.Errorf("expected reader %q, got %q", id, st.Reader)
	}
}

func TestContextConnectErrors(t *testing.T) {
	c := NewContext()
	id, _ := c.AttachReader("Pinpad Reader")

	if _, _, err := c.Connect("Pinpad Reader 7", scard.ShareShared, scard.ProtocolT0); !errors.Is(err, scard.ErrUnknownReader) {
		t.Errorf("expected ErrUnknownReader, got %v", err)
	}
	if _, _, err := c.Connect(id, scard.ShareShared, scard.ProtocolT0); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("expected ErrNoSmartcard, got %v", err)
	}
	_ = c.InsertCard(id, "test")
	if _, _, err := c.Connect(id, scard.ShareExclusive, scard.ProtocolT0); !errors.Is(err, scard.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if c.Connections() != 0 {
		t.Errorf("failed connects should not allocate handles, got %d", c.Connections())
	}
}

func TestContextHandleInvalidation(t *testing.T) {
	c := NewContext()
	id, _ := c.AttachReader("Non Pinpad Reader")
	_ = c.InsertCard(id, "test")
	h, _, _ := c.Connect(id, scard.ShareShared, scard.ProtocolT0)

	if err := c.Disconnect(h, scard.LeaveCard); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	checks := map[string]error{
		"disconnect": c.Disconnect(h, scard.LeaveCard),
		"begin":      c.BeginTransaction(h),
		"end":        c.EndTransaction(h, scard.LeaveCard),
	}
	_, checks["status"] = c.Status(h, nil, nil)
	_, checks["transmit"] = c.Transmit(h, nil)

	for name, err := range checks {
		if !errors.Is(err, scard.ErrInvalidHandle) {
			t.Errorf("%s: expected ErrInvalidHandle, got %v", name, err)
		}
	}
}

func TestContextHandlesIncrease(t *testing.T) {
	c := NewContext()
	id, _ := c.AttachReader("Non Pinpad Reader")
	_ = c.InsertCard(id, "test")

	h1, _, _ := c.Connect(id, scard.ShareShared, scard.ProtocolT0)
	_ = c.Disconnect(h1, scard.LeaveCard)
	h2, _, _ := c.Connect(id, scard.ShareShared, scard.ProtocolT0)
	if h1 == 0 || h2 <= h1 {
		t.Errorf("expected strictly increasing non-zero handles, got %d then %d", h1, h2)
	}
}

func TestContextDisconnectRemovesEntryOnFailure(t *testing.T) {
	c := NewContext()
	id, _ := c.AttachReader("Non Pinpad Reader")
	_ = c.InsertCard(id, "test")
	h, _, _ := c.Connect(id, scard.ShareShared, scard.ProtocolT0)

	_ = c.RemoveCard(id)
	if err := c.Disconnect(h, scard.LeaveCard); !errors.Is(err, scard.ErrNoSmartcard) {
		t.Errorf("expected ErrNoSmartcard from the reader, got %v", err)
	}
	if c.Connections() != 0 {
		t.Error("disconnect should drop the handle even when the reader fails")
	}
}

func TestContextStaleHandleAfterReinsert(t *testing.T) {
	c := NewContext()
	id, _ := c.AttachReader("Non Pinpad Reader")
	_ = c.InsertCard(id, "test")
	h, _, _ := c.Connect(id, scard.ShareShared, scard.ProtocolT0)

	_ = c.RemoveCard(id)
	_ = c.InsertCard(id, "test")

	if err := c.BeginTransaction(h); !errors.Is(err, scard.ErrRemovedCard) {
		t.Errorf("expected ErrRemovedCard for a handle to the old card, got %v", err)
	}
	st, err := c.Status(h, nil, nil)
	if !errors.Is(err, scard.ErrRemovedCard) {
		t.Errorf("expected ErrRemovedCard from Status, got %v", err)
	}
	if st.State&uint32(scard.Specific) == 0 {
		t.Errorf("status should describe the new card, got %#x", st.State)
	}

	if err := c.Disconnect(h, scard.EjectCard); !errors.Is(err, scard.ErrRemovedCard) {
		t.Errorf("expected ErrRemovedCard, got %v", err)
	}
	r, _ := c.Reader(id)
	if !r.HasCard() {
		t.Error("a stale handle must not eject the new card")
	}
}

func TestContextTransactions(t *testing.T) {
	c := NewContext()
	id, _ := c.AttachReader("Non Pinpad Reader")
	_ = c.InsertCard(id, "test")
	h, _, _ := c.Connect(id, scard.ShareShared, scard.ProtocolT0)

	if err := c.BeginTransaction(h); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if err := c.BeginTransaction(h); !errors.Is(err, scard.ErrSharingViolation) {
		t.Errorf("expected ErrSharingViolation, got %v", err)
	}
	if err := c.EndTransaction(h, scard.ResetCard); !errors.Is(err, scard.ErrResetCard) {
		t.Errorf("expected ErrResetCard, got %v", err)
	}
	if err := c.EndTransaction(h, scard.LeaveCard); !errors.Is(err, scard.ErrNotTransacted) {
		t.Errorf("expected ErrNotTransacted, got %v", err)
	}
}

func TestContextRelease(t *testing.T) {
	c := NewContext()
	id, _ := c.AttachReader("Non Pinpad Reader")
	_ = c.InsertCard(id, "test")
	h, _, _ := c.Connect(id, scard.ShareShared, scard.ProtocolT0)

	if err := c.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !c.Released() {
		t.Error("expected Released to be true")
	}
	if err := c.Release(); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("second Release: expected ErrInvalidHandle, got %v", err)
	}
	if _, err := c.AttachReader("Pinpad Reader"); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("AttachReader after release: expected ErrInvalidHandle, got %v", err)
	}
	if _, err := c.ListReaders(nil); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("ListReaders after release: expected ErrInvalidHandle, got %v", err)
	}
	if err := c.BeginTransaction(h); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("connection after release: expected ErrInvalidHandle, got %v", err)
	}
	if err := c.Cancel(); !errors.Is(err, scard.ErrInvalidHandle) {
		t.Errorf("Cancel after release: expected ErrInvalidHandle, got %v", err)
	}
}
