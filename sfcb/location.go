package sfcb

import (
	"errors"

	"github.com/dsoprea/go-logging"
)

// Location is a cursor into the filesystem. A location returned by OpenLoc
// is the unique write cursor until it is closed; a location returned by
// StartLoc walks committed entries from oldest to newest.
type Location struct {
	fs *FS

	sector     uint16
	dataOffset uint16
	ateOffset  uint16

	// ateCache holds one or more raw ATEs bulk-read while walking;
	// ateCacheOff indexes the current one.
	ateCache    []byte
	ateCacheOff int

	// dcache coalesces sub-WBS writes when the flash disallows
	// unaligned programming.
	dcache []byte

	ate ATE
}

// ATE returns the entry the location currently points at. While writing it
// describes the reservation made by OpenLoc.
func (loc *Location) ATE() ATE {
	return loc.ate
}

// Sector returns the sector the location currently points into.
func (loc *Location) Sector() uint16 {
	return loc.sector
}

// Clone deep-copies the location so that walking the copy does not disturb
// the original (the ATE cache is not shared).
func (loc *Location) Clone() Location {
	return loc.clone()
}

// clone deep-copies the location so that continued walking does not disturb
// the copy.
func (loc *Location) clone() Location {
	c := *loc

	c.ateCache = make([]byte, len(loc.ateCache))
	copy(c.ateCache, loc.ateCache)

	if loc.dcache != nil {
		c.dcache = make([]byte, len(loc.dcache))
		copy(c.dcache, loc.dcache)
	}

	return c
}

func (loc *Location) isWriteCursor() bool {
	return loc.ateOffset == loc.fs.wrAteOffset && loc.sector == loc.fs.wrSector
}

// initLoc reserves space for one entry in the current write sector. It
// fails with ErrOutOfSpace when the sector cannot hold the aligned payload,
// its ATE and one spare ATE terminator.
func (fs *FS) initLoc(loc *Location, id, length uint16) (err error) {
	// Always leave room for an empty ATE.
	reqSpace := alignUp(length, fs.wbs) + fs.ateSize

	if fs.wrAteOffset-fs.wrDataOffset < reqSpace {
		return ErrOutOfSpace
	}

	loc.fs = fs
	loc.sector = fs.wrSector
	loc.dataOffset = 0
	loc.ateOffset = fs.wrAteOffset
	loc.ateCacheOff = 0

	if loc.ateCache == nil {
		loc.ateCache = make([]byte, fs.ateCacheSize*int(fs.ateSize))
	}

	if fs.cfg.UnalignedWrite == false {
		if loc.dcache == nil {
			loc.dcache = make([]byte, fs.wbs)
		}

		for i := range loc.dcache {
			loc.dcache[i] = 0xff
		}
	}

	loc.ate = ATE{
		ID:     id,
		Offset: fs.wrDataOffset,
		Len:    length,
	}

	return nil
}

// OpenLoc reserves space for an entry of the given length and acquires the
// filesystem write lock. When the current sector is too full the log
// rotates: the next sector is erased, a sector start is written and the
// compress hook (if any) runs. After a full unsuccessful rotation the
// reservation fails with ErrOutOfSpace.
func (fs *FS) OpenLoc(id, length uint16) (loc *Location, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if fs.device == nil {
		return nil, ErrInvalidArgument
	}

	loc = new(Location)
	nscnt := 0

	for {
		err = fs.initLoc(loc, id, length)
		if errors.Is(err, ErrOutOfSpace) == false {
			break
		}

		err = fs.newSector()
		if err != nil {
			return nil, err
		}

		if fs.cfg.Compress != nil && fs.cfg.SectorCount > 1 {
			// A compress failure here is not fatal; the retried
			// reservation decides whether the rotation helped.
			fs.mutex.Lock()
			_ = fs.cfg.Compress(fs)
			fs.mutex.Unlock()
		}

		nscnt++
		if nscnt == int(fs.cfg.SectorCount) {
			return nil, ErrOutOfSpace
		}
	}

	if err != nil {
		return nil, err
	}

	fs.mutex.Lock()

	return loc, nil
}

// Write appends data into the reservation. It may be called repeatedly; the
// total across calls must not exceed the length given to OpenLoc. Sub-WBS
// pieces are coalesced in the location's write cache when the flash
// disallows unaligned writes.
func (loc *Location) Write(data []byte) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs := loc.fs

	if fs == nil {
		return 0, ErrInvalidArgument
	}

	if loc.isWriteCursor() == false {
		return 0, ErrPermissionDenied
	}

	if loc.dataOffset+uint16(len(data)) > loc.ate.Len {
		return 0, ErrOutOfSpace
	}

	dataOffset := fs.wrDataOffset + loc.dataOffset

	// The flash write may be slow; release the lock around it so
	// readers can proceed.
	fs.mutex.Unlock()
	err = fs.flashWrite(loc.sector, dataOffset, data, loc.dcache)
	fs.mutex.Lock()

	log.PanicIf(err)

	loc.dataOffset += uint16(len(data))

	return len(data), nil
}

func (loc *Location) closeNoUnlock() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs := loc.fs

	if loc.dcache != nil {
		// Flush the unaligned tail, if any.
		aligned := alignDown(loc.dataOffset, fs.wbs)
		if loc.dataOffset != aligned {
			err = fs.flashWrite(loc.sector, fs.wrDataOffset+aligned, loc.dcache, nil)
			log.PanicIf(err)
		}
	}

	raw, err := packATE(loc.ate, fs.ateSize)
	log.PanicIf(err)

	err = fs.flashWrite(loc.sector, fs.wrAteOffset, raw, nil)
	log.PanicIf(err)

	fs.wrDataOffset += alignUp(loc.ate.Len, fs.wbs)
	fs.wrAteOffset -= fs.ateSize

	return nil
}

// Close flushes any buffered tail, commits the ATE into its reserved slot
// and releases the write lock. The ATE write is strictly ordered after all
// payload writes for the entry.
func (loc *Location) Close() (err error) {
	if loc.fs == nil {
		return ErrInvalidArgument
	}

	if loc.isWriteCursor() == false {
		return ErrPermissionDenied
	}

	err = loc.closeNoUnlock()
	loc.fs.mutex.Unlock()

	return err
}

// Rewind resets the read position of a committed entry to its start.
func (loc *Location) Rewind() (err error) {
	if loc.fs == nil {
		return ErrInvalidArgument
	}

	if loc.isWriteCursor() == true {
		return ErrPermissionDenied
	}

	loc.dataOffset = 0

	return nil
}

// SetPos moves the read position of a committed entry.
func (loc *Location) SetPos(pos uint16) (err error) {
	if loc.fs == nil {
		return ErrInvalidArgument
	}

	if loc.isWriteCursor() == true {
		return ErrPermissionDenied
	}

	if pos > loc.ate.Len {
		return ErrInvalidArgument
	}

	loc.dataOffset = pos

	return nil
}

// Read copies up to len(data) bytes of the entry payload from the current
// read position, returning the number of bytes read.
func (loc *Location) Read(data []byte) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs := loc.fs

	if fs == nil {
		return 0, ErrInvalidArgument
	}

	length := uint16(len(data))
	if loc.dataOffset+length > loc.ate.Len {
		length = loc.ate.Len - loc.dataOffset
	}

	err = fs.flashRead(loc.sector, loc.ate.Offset+loc.dataOffset, data[:length])
	log.PanicIf(err)

	loc.dataOffset += length

	return int(length), nil
}

// Copy re-appends the entry at loc into the current write sector through an
// internal open/write/close. Rejected when loc is the write cursor. The
// caller is expected to already hold the write lock (compaction runs under
// it).
func (loc *Location) Copy() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs := loc.fs

	if fs == nil {
		return ErrInvalidArgument
	}

	if ateCrcValid(loc.currentRaw()) == false {
		return ErrInvalidArgument
	}

	if loc.isWriteCursor() == true {
		return ErrPermissionDenied
	}

	newLoc := new(Location)

	err = fs.initLoc(newLoc, loc.ate.ID, loc.ate.Len)
	if err != nil {
		return err
	}

	err = loc.Rewind()
	log.PanicIf(err)

	buf := make([]byte, fs.wbs)
	remaining := loc.ate.Len

	for remaining > 0 {
		n, err := loc.Read(buf)
		log.PanicIf(err)

		_, err = newLoc.Write(buf[:n])
		log.PanicIf(err)

		remaining -= uint16(n)
	}

	err = newLoc.closeNoUnlock()
	log.PanicIf(err)

	return nil
}

// currentRaw returns the raw bytes of the ATE the location points at.
func (loc *Location) currentRaw() []byte {
	ateSize := int(loc.fs.ateSize)
	return loc.ateCache[loc.ateCacheOff : loc.ateCacheOff+ateSize]
}

// StartLoc returns an iterator positioned before the oldest entry: the
// first Next lands on the first committed entry of the sector following the
// write sector in rotation order.
func (fs *FS) StartLoc() (loc *Location, err error) {
	if fs.device == nil {
		return nil, ErrInvalidArgument
	}

	loc = &Location{
		fs:        fs,
		sector:    fs.nextSector(fs.wrSector),
		ateOffset: fs.cfg.SectorSize,
		ateCache:  make([]byte, fs.ateCacheSize*int(fs.ateSize)),
	}

	return loc, nil
}

// nextInSector steps the iterator down one ATE slot within the current
// sector, bulk-reading a block of ATEs when a cache larger than one is
// configured. ErrNotFound marks the end of the sector's committed entries.
func (loc *Location) nextInSector() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs := loc.fs
	ateSize := int(fs.ateSize)

	if loc.ateOffset < fs.ateSize {
		// Nothing left above the sector start.
		return ErrNotFound
	}

	if fs.ateCacheSize > 1 {
		if loc.ateCacheOff == 0 {
			// Cache exhausted; refill from the slots below.
			cacheBytes := uint16(len(loc.ateCache))
			if cacheBytes > loc.ateOffset {
				cacheBytes = loc.ateOffset
			}

			err = fs.flashRead(loc.sector, loc.ateOffset-cacheBytes, loc.ateCache[:cacheBytes])
			log.PanicIf(err)

			loc.ateCacheOff = int(cacheBytes)
		}

		loc.ateCacheOff -= ateSize
		loc.ateOffset -= fs.ateSize
	} else {
		loc.ateOffset -= fs.ateSize

		err = fs.flashRead(loc.sector, loc.ateOffset, loc.ateCache[:ateSize])
		log.PanicIf(err)
	}

	raw := loc.currentRaw()

	if isErased(raw) == true || loc.ateOffset == 0 {
		return ErrNotFound
	}

	return nil
}

// Next moves the iterator to the next valid entry, skipping entries whose
// CRC8 does not verify and crossing sector boundaries. ErrNotFound is
// returned when the iterator meets the write cursor.
func (loc *Location) Next() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if loc.fs == nil {
		return ErrInvalidArgument
	}

	fs := loc.fs

	for {
		err = loc.nextInSector()

		if errors.Is(err, ErrNotFound) == true {
			if loc.sector == fs.wrSector && loc.ateOffset == fs.wrAteOffset {
				// End of the filesystem.
				return ErrNotFound
			}

			// End of the sector.
			loc.sector = fs.nextSector(loc.sector)
			loc.ateOffset = fs.cfg.SectorSize
			loc.ateCacheOff = 0

			continue
		}

		log.PanicIf(err)

		raw := loc.currentRaw()
		if ateCrcValid(raw) == true {
			ate, err := unpackATE(raw)
			log.PanicIf(err)

			loc.ate = ate

			break
		}
	}

	loc.dataOffset = 0

	return nil
}
