// This package implements a simple flash circular buffer: a log-structured
// key-value store spanning an integer number of erase sectors. Allocation
// table entries (ATEs) grow from the high end of each sector downward and
// data grows from the low end upward; when a sector fills up the log rotates
// into the next sector.

package sfcb

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/laczen/go-zepboot/flash"
)

var (
	defaultEncoding = binary.LittleEndian
)

const (
	// Magic identifies a sector-start record ("sfcb" in hex).
	Magic = uint32(0x73666362)

	// Version is the only on-flash layout revision this implementation
	// reads or writes.
	Version = uint8(0x00)

	// sectorStartBytes is the packed size of the sector-start record. The
	// reserved region at the front of a sector (SecStartSize) is at least
	// this large and is padded with 0xFF beyond it.
	sectorStartBytes = 8

	// ateHeaderBytes is the packed size of the id/offset/len prefix of an
	// ATE. The pad and the trailing CRC8 fill the ATE up to the
	// configured ATE size.
	ateHeaderBytes = 6
)

// SectorStart is the record at offset zero of every sector.
type SectorStart struct {
	// Magic is always 0x73666362.
	Magic uint32

	// SecID is a monotonically increasing sector sequence number with
	// wraparound. Comparison uses the signed difference, so the sector
	// holding the newest data is the one whose SecID compares largest.
	SecID uint16

	// Version is the layout revision, currently zero.
	Version uint8

	// Crc8 is the CRC8-CCITT (0xFF seed) over the preceding seven bytes.
	Crc8 uint8
}

// ATE is an Allocation Table Entry: a fixed-size record at the high end of a
// sector locating one payload within the same sector. On flash the packed
// id/offset/len prefix is followed by 0xFF padding and a final CRC8 byte
// computed over everything before it.
type ATE struct {
	// ID is the data identifier. Multiple entries may share an ID; the
	// entry written last wins.
	ID uint16

	// Offset is the payload offset within the sector.
	Offset uint16

	// Len is the payload length in bytes.
	Len uint16
}

func packSectorStart(ss SectorStart, size uint16) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	packed, err := restruct.Pack(defaultEncoding, &ss)
	log.PanicIf(err)

	raw = make([]byte, size)
	for i := range raw {
		raw[i] = 0xff
	}

	copy(raw, packed)
	raw[sectorStartBytes-1] = flash.Crc8CCITT(0xff, raw[:sectorStartBytes-1])

	return raw, nil
}

func unpackSectorStart(raw []byte) (ss SectorStart, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(raw[:sectorStartBytes], defaultEncoding, &ss)
	log.PanicIf(err)

	return ss, nil
}

// sectorStartValid checks the CRC8 and identity fields of a raw sector-start
// region.
func sectorStartValid(raw []byte) bool {
	if flash.Crc8CCITT(0xff, raw[:sectorStartBytes-1]) != raw[sectorStartBytes-1] {
		return false
	}

	ss, err := unpackSectorStart(raw)
	if err != nil {
		return false
	}

	return ss.Magic == Magic && ss.Version == Version
}

// packATE lays out an ATE into a raw buffer of ateSize bytes, pads with 0xFF
// and stamps the trailing CRC8.
func packATE(ate ATE, ateSize uint16) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	packed, err := restruct.Pack(defaultEncoding, &ate)
	log.PanicIf(err)

	raw = make([]byte, ateSize)
	for i := range raw {
		raw[i] = 0xff
	}

	copy(raw, packed)
	raw[ateSize-1] = flash.Crc8CCITT(0xff, raw[:ateSize-1])

	return raw, nil
}

func unpackATE(raw []byte) (ate ATE, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(raw[:ateHeaderBytes], defaultEncoding, &ate)
	log.PanicIf(err)

	return ate, nil
}

// ateCrcValid verifies the trailing CRC8 of a raw ATE.
func ateCrcValid(raw []byte) bool {
	return flash.Crc8CCITT(0xff, raw[:len(raw)-1]) == raw[len(raw)-1]
}

// isErased reports whether every byte of raw reads as erased flash.
func isErased(raw []byte) bool {
	for _, b := range raw {
		if b != 0xff {
			return false
		}
	}

	return true
}
