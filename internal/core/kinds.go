package core

import (
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/ebfe/scard"
)

// ReaderKind enumerates the simulated reader models.
type ReaderKind int

const (
	ReaderKindNonPinpad ReaderKind = iota
	ReaderKindPinpad
)

// CardKind enumerates the simulated card models.
type CardKind int

const (
	CardKindTest CardKind = iota
)

// readerProfile describes a reader model: its base name and APDU hook.
// Readers only proxy commands; the hook decides what the reader adds.
type readerProfile struct {
	kind    ReaderKind
	name    string
	pinpad  bool
	execute func(card *Card, h Handle, cmd []byte) ([]byte, error)
}

// cardProfile describes a card model as fixed at manufacture time.
type cardProfile struct {
	kind      CardKind
	name      string
	atr       []byte
	shareMode scard.ShareMode
	protocol  scard.Protocol
	execute   func(h Handle, cmd []byte) ([]byte, error)
}

var readerProfiles = map[string]readerProfile{
	"Non Pinpad Reader": {
		kind:    ReaderKindNonPinpad,
		name:    "Non Pinpad Reader",
		execute: proxyToCard,
	},
	"Pinpad Reader": {
		kind:    ReaderKindPinpad,
		name:    "Pinpad Reader",
		pinpad:  true,
		execute: proxyToCard,
	},
}

var cardProfiles = map[string]cardProfile{
	"test": {
		kind: CardKindTest,
		name: "test",
		atr: []byte{
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16,
		},
		shareMode: scard.ShareShared,
		protocol:  scard.ProtocolT0,
		execute:   unsupportedAPDU,
	},
}

func proxyToCard(card *Card, h Handle, cmd []byte) ([]byte, error) {
	return card.Execute(h, cmd)
}

func unsupportedAPDU(Handle, []byte) ([]byte, error) {
	return nil, scard.ErrUnsupportedFeature
}

func lookupReaderKind(name string) (readerProfile, bool) {
	p, ok := readerProfiles[name]
	return p, ok
}

func lookupCardKind(name string) (cardProfile, bool) {
	p, ok := cardProfiles[name]
	return p, ok
}

// String returns the reader model's base name.
func (k ReaderKind) String() string {
	for _, p := range readerProfiles {
		if p.kind == k {
			return p.name
		}
	}
	return "unknown"
}

// String returns the card model's factory name.
func (k CardKind) String() string {
	for _, p := range cardProfiles {
		if p.kind == k {
			return p.name
		}
	}
	return "unknown"
}

// SupportedReaders lists the base names accepted by AttachReader, sorted.
func SupportedReaders() []string {
	names := make([]string, 0, len(readerProfiles))
	for name := range readerProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportedCards lists the card names accepted by InsertCard, sorted.
func SupportedCards() []string {
	names := make([]string, 0, len(cardProfiles))
	for name := range cardProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SuggestReader returns the supported reader name closest to name, or "" when
// nothing is reasonably close.
func SuggestReader(name string) string {
	return closest(name, SupportedReaders())
}

// SuggestCard returns the supported card name closest to name, or "".
func SuggestCard(name string) string {
	return closest(name, SupportedCards())
}

func closest(name string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(name, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	// Anything further than half the candidate's length is noise.
	if best == "" || bestDist > len(best)/2 {
		return ""
	}
	return best
}
