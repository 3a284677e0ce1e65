package sfcb

import (
	"errors"
	"sync"

	"github.com/dsoprea/go-logging"

	"github.com/laczen/go-zepboot/flash"
)

var (
	// ErrInvalidArgument indicates a nil, zero-length, or range-violating
	// input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates that no matching entry exists, or that an
	// iterator reached the end of the filesystem.
	ErrNotFound = errors.New("not found")

	// ErrOutOfSpace indicates that a reservation could not be satisfied
	// even after a full rotation of the filesystem.
	ErrOutOfSpace = errors.New("out of space")

	// ErrNoFilesystem indicates that no sector carries a valid
	// sector-start record.
	ErrNoFilesystem = errors.New("no filesystem")

	// ErrPermissionDenied indicates an operation on a location that is
	// not (or no longer) the write cursor.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBusy indicates a mount of an already-mounted filesystem.
	ErrBusy = errors.New("busy")
)

// Config describes a filesystem region on a flash device.
type Config struct {
	// Offset is the absolute flash offset of the first sector. Must be
	// erase-page aligned.
	Offset int64

	// SectorSize is the size of one sector. A sector is erased in one
	// operation, so this must be a multiple of the erase-page size.
	SectorSize uint16

	// SectorCount is the number of sectors in the filesystem.
	SectorCount uint16

	// Device is the backing flash.
	Device flash.Device

	// WBS is the write-block size used for all programming. A power of
	// two and a multiple of the device write-block size. Zero selects
	// the device write-block size.
	WBS uint16

	// ATECacheSize is the number of ATEs bulk-read per iterator step.
	// Zero selects one.
	ATECacheSize int

	// UnalignedWrite declares that the device tolerates sub-WBS writes.
	// When false, write locations carry a one-WBS cache that coalesces
	// partial words.
	UnalignedWrite bool

	// Compress, if set, is invoked whenever the log rotates into a new
	// sector (and once at mount). It is expected to walk the compaction
	// target sector and re-copy live entries via Location.Copy; anything not
	// copied is lost when the target is erased.
	Compress func(fs *FS) error
}

// FS is a mounted (or mountable) simple flash circular buffer.
//
// At most one location may be open for writing at any time; the write lock
// is taken by OpenLoc and released by Location.Close.
type FS struct {
	cfg Config

	wrSector     uint16
	wrSectorID   uint16
	wrDataOffset uint16
	wrAteOffset  uint16

	device  flash.Device
	mutex   sync.Mutex
	mounted bool

	wbs          uint16
	ateSize      uint16
	secStartSize uint16
	ateCacheSize int
}

// NewFS returns an unmounted filesystem over the given configuration.
func NewFS(cfg Config) *FS {
	return &FS{
		cfg: cfg,
	}
}

func alignDown(v, wbs uint16) uint16 {
	return v &^ (wbs - 1)
}

func alignUp(v, wbs uint16) uint16 {
	return alignDown(v+wbs-1, wbs)
}

// scmp compares two sector ids as a wrapping sequence: positive when a is
// newer than b.
func scmp(a, b uint16) int16 {
	return int16(a - b)
}

func (fs *FS) nextSector(sector uint16) uint16 {
	sector++
	if sector == fs.cfg.SectorCount {
		sector = 0
	}

	return sector
}

func (fs *FS) prevSector(sector uint16) uint16 {
	if sector == 0 {
		sector = fs.cfg.SectorCount
	}

	return sector - 1
}

func (fs *FS) sectorOffset(sector uint16, secOff uint16) int64 {
	return fs.cfg.Offset + int64(sector)*int64(fs.cfg.SectorSize) + int64(secOff)
}

// flashWrite programs data at (sector, secOff), coalescing sub-WBS pieces in
// cache when one is supplied. The unaligned head of the data joins the
// pending bytes already in the cache; a full cache is flushed; the unaligned
// tail is left pending in the cache for a later call (or the final flush at
// close).
func (fs *FS) flashWrite(sector, secOff uint16, data []byte, cache []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(data) == 0 {
		return nil
	}

	if fs.device == nil {
		return ErrInvalidArgument
	}

	off := fs.sectorOffset(sector, secOff)
	rem := secOff & (fs.wbs - 1)

	if rem != 0 && cache == nil {
		// No coalescing cache means the flash takes unaligned writes
		// as they come.
		err = fs.device.WriteProtectionSet(false)
		log.PanicIf(err)

		defer func() {
			fs.device.WriteProtectionSet(true)
		}()

		err = fs.device.Write(off, data)
		log.PanicIf(err)

		return nil
	}

	fpDis := false
	if int(rem)+len(data) >= int(fs.wbs) {
		err = fs.device.WriteProtectionSet(false)
		log.PanicIf(err)

		fpDis = true

		defer func() {
			fs.device.WriteProtectionSet(true)
		}()
	}

	if rem != 0 {
		cnt := fs.wbs - rem
		if int(cnt) > len(data) {
			cnt = uint16(len(data))
		}

		if cache != nil {
			copy(cache[rem:], data[:cnt])
		}

		data = data[cnt:]
		off -= int64(rem)
	}

	if len(data) == 0 && fpDis == false {
		return nil
	}

	if rem != 0 && cache != nil {
		err = fs.device.Write(off, cache)
		log.PanicIf(err)

		off += int64(fs.wbs)
	}

	cnt := len(data) &^ int(fs.wbs - 1)
	if cnt != 0 {
		err = fs.device.Write(off, data[:cnt])
		log.PanicIf(err)

		data = data[cnt:]
		off += int64(cnt)
	}

	if len(data) != 0 {
		if cache != nil {
			for i := range cache {
				cache[i] = 0xff
			}

			copy(cache, data)
		} else {
			// Unaligned tail on flash that takes it directly.
			if fpDis == false {
				err = fs.device.WriteProtectionSet(false)
				log.PanicIf(err)

				defer func() {
					fs.device.WriteProtectionSet(true)
				}()
			}

			err = fs.device.Write(off, data)
			log.PanicIf(err)
		}
	}

	return nil
}

func (fs *FS) flashRead(sector, secOff uint16, data []byte) (err error) {
	if len(data) == 0 {
		return nil
	}

	if fs.device == nil {
		return ErrInvalidArgument
	}

	return fs.device.Read(fs.sectorOffset(sector, secOff), data)
}

func (fs *FS) sectorErase(sector uint16) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if fs.device == nil {
		return ErrInvalidArgument
	}

	err = fs.device.WriteProtectionSet(false)
	log.PanicIf(err)

	err = fs.device.Erase(fs.sectorOffset(sector, 0), int64(fs.cfg.SectorSize))
	log.PanicIf(err)

	err = fs.device.WriteProtectionSet(true)
	log.PanicIf(err)

	return nil
}

// initSector writes a sector-start record into the current write sector and
// resets the write cursors.
func (fs *FS) initSector() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	ss := SectorStart{
		Magic:   Magic,
		SecID:   fs.wrSectorID,
		Version: Version,
	}

	raw, err := packSectorStart(ss, fs.secStartSize)
	log.PanicIf(err)

	err = fs.flashWrite(fs.wrSector, 0, raw, nil)
	log.PanicIf(err)

	fs.wrSectorID++
	fs.wrAteOffset = fs.cfg.SectorSize - fs.ateSize
	fs.wrDataOffset = fs.secStartSize

	return nil
}

// newSector rotates the write cursor into the next sector, erasing it first.
func (fs *FS) newSector() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs.wrSector = fs.nextSector(fs.wrSector)

	err = fs.sectorErase(fs.wrSector)
	log.PanicIf(err)

	err = fs.initSector()
	log.PanicIf(err)

	return nil
}

func (fs *FS) configInit() (err error) {
	cfg := &fs.cfg

	if cfg.Device == nil || cfg.SectorSize == 0 || cfg.SectorCount == 0 {
		return ErrInvalidArgument
	}

	devWbs := uint16(cfg.Device.WriteBlockSize())

	if cfg.WBS == 0 {
		cfg.WBS = devWbs
	}

	if cfg.WBS&(cfg.WBS-1) != 0 || cfg.WBS%devWbs != 0 {
		// WBS must be a power of two and a multiple of the device
		// write-block size.
		return ErrInvalidArgument
	}

	fs.wbs = cfg.WBS

	fs.ateSize = fs.wbs
	if fs.ateSize < 8 {
		fs.ateSize = 8
	}
	fs.ateSize = alignUp(fs.ateSize, fs.wbs)

	fs.secStartSize = fs.ateSize

	if cfg.SectorSize%fs.wbs != 0 {
		return ErrInvalidArgument
	}

	// The filesystem must cover whole erase pages.
	end := cfg.Offset + int64(cfg.SectorSize)*int64(cfg.SectorCount)
	pageOff := cfg.Offset

	for pageOff < end {
		start, size, err := cfg.Device.PageInfoByOffset(pageOff)
		if err != nil {
			return ErrInvalidArgument
		}

		if pageOff != start {
			return ErrInvalidArgument
		}

		if size > int64(cfg.SectorSize) || int64(cfg.SectorSize)%size != 0 {
			return ErrInvalidArgument
		}

		pageOff += size
	}

	if cfg.Compress != nil && cfg.SectorCount < 2 {
		// Compaction needs somewhere to copy live entries to.
		return ErrInvalidArgument
	}

	if cfg.ATECacheSize < 1 {
		fs.ateCacheSize = 1
	} else {
		fs.ateCacheSize = cfg.ATECacheSize
	}

	return nil
}

// fsCheck scans every sector start and selects the write sector as the one
// whose id compares largest.
func (fs *FS) fsCheck() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs.wrSector = fs.cfg.SectorCount
	fs.wrSectorID = 0

	raw := make([]byte, fs.secStartSize)

	for i := uint16(0); i < fs.cfg.SectorCount; i++ {
		err = fs.flashRead(i, 0, raw)
		log.PanicIf(err)

		if sectorStartValid(raw) == false {
			continue
		}

		ss, err := unpackSectorStart(raw)
		log.PanicIf(err)

		if fs.wrSector == fs.cfg.SectorCount || scmp(ss.SecID, fs.wrSectorID) > 0 {
			fs.wrSectorID = ss.SecID
			fs.wrSector = i
		}
	}

	if fs.wrSector == fs.cfg.SectorCount {
		// Not a sfcb filesystem, or empty.
		return ErrNoFilesystem
	}

	return nil
}

// fsInit recovers the write cursors of the write sector and re-runs an
// interrupted compaction.
func (fs *FS) fsInit() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fs.wrSectorID++
	fs.wrAteOffset = fs.cfg.SectorSize
	fs.wrDataOffset = fs.secStartSize

	ateRaw := make([]byte, fs.ateSize)

	// The first empty ATE from the top of the sector is the ATE write
	// cursor; every valid ATE on the way pushes the data cursor up.
	for fs.wrAteOffset > fs.secStartSize {
		fs.wrAteOffset -= fs.ateSize

		err = fs.flashRead(fs.wrSector, fs.wrAteOffset, ateRaw)
		log.PanicIf(err)

		if ateCrcValid(ateRaw) == true {
			ate, err := unpackATE(ateRaw)
			log.PanicIf(err)

			fs.wrDataOffset = ate.Offset + alignUp(ate.Len, fs.wbs)

			continue
		}

		if isErased(ateRaw) == true {
			break
		}
	}

	// Refine the data cursor down to the last non-empty word; an
	// interrupted write may have put data on flash without an ATE.
	dataOffset := fs.wrAteOffset
	word := make([]byte, fs.wbs)

	for fs.wrDataOffset < dataOffset {
		dataOffset -= fs.wbs

		err = fs.flashRead(fs.wrSector, dataOffset, word)
		log.PanicIf(err)

		if isErased(word) == false {
			dataOffset += fs.wbs
			break
		}
	}

	if dataOffset > fs.wrDataOffset {
		fs.wrDataOffset = dataOffset
	}

	if fs.cfg.Compress != nil && fs.cfg.SectorCount > 1 {
		// Compress might have been interrupted; call it again. If it
		// fails (insufficient space because of a half-completed prior
		// compaction) rewind one sector, open a fresh one and retry.
		// A second failure is fatal.
		err = fs.cfg.Compress(fs)
		if err != nil {
			fs.wrSector = fs.prevSector(fs.wrSector)
			fs.wrSectorID--

			err = fs.newSector()
			log.PanicIf(err)

			err = fs.cfg.Compress(fs)
			log.PanicIf(err)
		}
	}

	return nil
}

// Mount scans all sectors, selects the write sector and recovers the write
// cursors. It fails with ErrNoFilesystem when no sector carries a valid
// sector start, and with ErrBusy when the filesystem is already mounted.
func (fs *FS) Mount() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if fs.mounted == true {
		return ErrBusy
	}

	err = fs.configInit()
	if err != nil {
		return err
	}

	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	fs.device = fs.cfg.Device

	err = fs.fsCheck()
	if err != nil {
		fs.device = nil
		return err
	}

	err = fs.fsInit()
	if err != nil {
		fs.device = nil
		return err
	}

	fs.mounted = true

	return nil
}

// Unmount releases the device handle. There is no pending state to flush.
func (fs *FS) Unmount() (err error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	fs.device = nil
	fs.mounted = false

	return nil
}

// Format erases sector zero unconditionally, erases any sector whose
// terminal ATE slot is not empty, and writes a fresh sector start into
// sector zero. The filesystem must not be mounted.
func (fs *FS) Format() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if fs.mounted == true {
		return ErrBusy
	}

	err = fs.configInit()
	if err != nil {
		return err
	}

	fs.device = fs.cfg.Device

	defer func() {
		fs.device = nil
	}()

	ateRaw := make([]byte, fs.ateSize)

	for i := uint16(0); i < fs.cfg.SectorCount; i++ {
		err = fs.flashRead(i, fs.cfg.SectorSize-fs.ateSize, ateRaw)
		log.PanicIf(err)

		if i == 0 || isErased(ateRaw) == false {
			err = fs.sectorErase(i)
			log.PanicIf(err)
		}
	}

	fs.wrSector = 0
	fs.wrSectorID = 0

	err = fs.initSector()
	log.PanicIf(err)

	return nil
}

// CompressSector reports the compaction target: the next sector in rotation
// order, which holds the oldest data and is overwritten next.
func (fs *FS) CompressSector() (sector uint16, err error) {
	if fs == nil {
		return 0, ErrInvalidArgument
	}

	return fs.nextSector(fs.wrSector), nil
}

// SectorCount returns the configured sector count.
func (fs *FS) SectorCount() uint16 {
	return fs.cfg.SectorCount
}

// WriteSector returns the current write sector. Mostly of interest to
// tests and diagnostics.
func (fs *FS) WriteSector() uint16 {
	return fs.wrSector
}

// Write appends one complete entry under id. It is a convenience wrapper
// around the open/write/close protocol.
func (fs *FS) Write(id uint16, data []byte) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	loc, err := fs.OpenLoc(id, uint16(len(data)))
	if err != nil {
		return 0, err
	}

	_, err = loc.Write(data)
	log.PanicIf(err)

	err = loc.Close()
	log.PanicIf(err)

	return len(data), nil
}

// Read returns the value of the latest entry with the given id, reading at
// most len(data) bytes. ErrNotFound when no entry carries the id.
func (fs *FS) Read(id uint16, data []byte) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	walk, err := fs.StartLoc()
	if err != nil {
		return 0, err
	}

	var last *Location

	for {
		err = walk.Next()
		if errors.Is(err, ErrNotFound) == true {
			break
		}

		log.PanicIf(err)

		if walk.ATE().ID == id {
			c := walk.clone()
			last = &c
		}
	}

	if last == nil {
		return 0, ErrNotFound
	}

	return last.Read(data)
}
