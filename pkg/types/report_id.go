package types

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInvalidReportIDLength is returned when a report ID string is not 26 characters.
	ErrInvalidReportIDLength = errors.New("invalid report ID length")

	// ErrInvalidReportIDCharacter is returned when a report ID contains characters outside the alphabet.
	ErrInvalidReportIDCharacter = errors.New("invalid report ID character")
)

// ReportID is a 128-bit ULID: 48-bit millisecond timestamp followed by 80 random bits.
// Its string form sorts in receive order, which the catalog relies on.
type ReportID [16]byte

// Crockford's Base32 alphabet (no I, L, O, U).
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ReportIDGenerator issues report IDs that increase monotonically, even within one millisecond.
type ReportIDGenerator struct {
	mu       sync.Mutex
	lastMs   uint64
	lastRand [10]byte
}

// NewReportIDGenerator creates a new generator.
func NewReportIDGenerator() *ReportIDGenerator {
	return &ReportIDGenerator{}
}

// Next returns an ID stamped with the current time.
func (g *ReportIDGenerator) Next() (ReportID, error) {
	return g.NextAt(time.Now())
}

// NextAt returns an ID stamped with t.
func (g *ReportIDGenerator) NextAt(t time.Time) (ReportID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())

	var id ReportID
	for i := 0; i < 6; i++ {
		id[i] = byte(ms >> (40 - 8*i))
	}

	if ms == g.lastMs {
		// Same millisecond: bump the 80-bit random part as a big-endian counter.
		for i := len(g.lastRand) - 1; i >= 0; i-- {
			g.lastRand[i]++
			if g.lastRand[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.lastRand[:]); err != nil {
			return ReportID{}, err
		}
		g.lastMs = ms
	}
	copy(id[6:], g.lastRand[:])

	return id, nil
}

// Time returns the timestamp component.
func (id ReportID) Time() time.Time {
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(id[i])
	}
	return time.UnixMilli(int64(ms))
}

// String encodes the ID as 26 Crockford Base32 characters.
// The 128 bits are treated as a 130-bit number with two leading zero bits.
func (id ReportID) String() string {
	var buf [26]byte
	for i := range buf {
		var v byte
		for b := 0; b < 5; b++ {
			pos := i*5 + b - 2
			v <<= 1
			if pos >= 0 && id[pos/8]>>(7-pos%8)&1 == 1 {
				v |= 1
			}
		}
		buf[i] = crockford[v]
	}
	return string(buf[:])
}

// ParseReportID decodes the 26-character form produced by String.
// Lowercase input is accepted.
func ParseReportID(s string) (ReportID, error) {
	if len(s) != 26 {
		return ReportID{}, ErrInvalidReportIDLength
	}

	var id ReportID
	for i := 0; i < len(s); i++ {
		v := crockfordValue(s[i])
		if v == 0xFF || (i == 0 && v > 7) {
			return ReportID{}, ErrInvalidReportIDCharacter
		}
		for b := 0; b < 5; b++ {
			pos := i*5 + b - 2
			if pos < 0 {
				continue
			}
			if v>>(4-b)&1 == 1 {
				id[pos/8] |= 1 << (7 - pos%8)
			}
		}
	}
	return id, nil
}

func crockfordValue(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	for i := 0; i < len(crockford); i++ {
		if crockford[i] == c {
			return byte(i)
		}
	}
	return 0xFF
}
