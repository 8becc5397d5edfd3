package protocol

import (
	"encoding/binary"
	"fmt"
)

// History wire layout.
const (
	PackageSize      = 21
	BlockSize        = 3
	BlocksPerPackage = PackageSize / BlockSize
)

// Record is one decoded history entry: the facet that was face up and for
// how many seconds.
type Record struct {
	Facet    uint8
	Duration uint32
}

// Paused reports whether the record covers a paused period.
func (r Record) Paused() bool {
	return r.Facet == FacetPaused
}

// DecodeBlock decodes one 3-byte history block.
//
// The vendor documents the facet in the top six bits of the block. The
// device emits the block little-endian, so on the wire the facet is the low
// six bits of byte 2 and its top two bits extend the duration:
//
//	byte0 byte1  byte2
//	dddddddd dddddddd DDffffff
//
// duration = byte0 | byte1<<8 | DD<<16 (18 bits), facet = ffffff.
func DecodeBlock(b []byte) Record {
	return Record{
		Facet:    b[2] & 0x3f,
		Duration: uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2]>>6)<<16,
	}
}

func validFacet(f uint8) bool {
	return f <= MaxFacet || f == FacetPaused
}

// HistoryDecoder reassembles the history log from the packages read off the
// command output characteristic after a history command. Feed packages in
// read order until Feed reports done, then call Records.
type HistoryDecoder struct {
	// SkipInvalid drops blocks with an out-of-range facet instead of
	// failing. Dropped blocks are available from Skipped.
	SkipInvalid bool

	packages   [][PackageSize]byte
	terminated bool
	skipped    []*DecodeError
}

// Feed adds the next package. It returns true once the all-zero terminator
// has been seen; anything fed after that is ignored.
func (d *HistoryDecoder) Feed(pkg []byte) (bool, error) {
	if d.terminated {
		return true, nil
	}
	if len(pkg) != PackageSize {
		return false, &DecodeError{
			What:   "history package",
			Offset: len(pkg),
			Block:  len(d.packages) * BlocksPerPackage,
			Reason: fmt.Sprintf("package %d is %d bytes, want %d", len(d.packages), len(pkg), PackageSize),
		}
	}
	var p [PackageSize]byte
	copy(p[:], pkg)
	if p == ([PackageSize]byte{}) {
		d.terminated = true
		return true, nil
	}
	d.packages = append(d.packages, p)
	return false, nil
}

// Done reports whether the terminator has been seen.
func (d *HistoryDecoder) Done() bool {
	return d.terminated
}

// Packages returns how many data packages have been fed.
func (d *HistoryDecoder) Packages() int {
	return len(d.packages)
}

// Count returns the block count carried by the last data package. It is only
// meaningful once Done reports true.
func (d *HistoryDecoder) Count() int {
	if len(d.packages) == 0 {
		return 0
	}
	last := d.packages[len(d.packages)-1]
	return int(binary.LittleEndian.Uint16(last[0:2]))
}

// Records decodes the fed packages. Calling it again yields the same result.
func (d *HistoryDecoder) Records() ([]Record, error) {
	d.skipped = nil
	if !d.terminated {
		return nil, fmt.Errorf("%w after %d packages", ErrIncompleteStream, len(d.packages))
	}

	count := d.Count()
	present := len(d.packages) * BlocksPerPackage
	if count > present {
		return nil, &DecodeError{
			What:   "history count",
			Offset: 0,
			Block:  present,
			Reason: fmt.Sprintf("count %d exceeds the %d blocks present", count, present),
		}
	}

	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		p := d.packages[i/BlocksPerPackage]
		off := (i % BlocksPerPackage) * BlockSize
		rec := DecodeBlock(p[off : off+BlockSize])
		if !validFacet(rec.Facet) {
			err := &DecodeError{
				What:   "history block",
				Offset: off + 2,
				Block:  i,
				Reason: fmt.Sprintf("facet %d out of range", rec.Facet),
			}
			if !d.SkipInvalid {
				return nil, err
			}
			d.skipped = append(d.skipped, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Skipped returns the blocks dropped by the last Records call when
// SkipInvalid is set.
func (d *HistoryDecoder) Skipped() []*DecodeError {
	return d.skipped
}

// DecodeHistory decodes a complete package sequence, terminator included.
func DecodeHistory(packages [][]byte) ([]Record, error) {
	var d HistoryDecoder
	for _, pkg := range packages {
		done, err := d.Feed(pkg)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return d.Records()
}
