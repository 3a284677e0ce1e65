package flash

import (
	"sync"

	"github.com/dsoprea/go-logging"
)

// MemDevice simulates a NOR flash in memory. Erase sets whole pages to 0xFF
// and writes AND bits into place, so a write can only clear bits, exactly as
// on the real part. A write or erase attempted while write protection is
// enabled fails.
//
// The zero value is not usable; use NewMemDevice.
type MemDevice struct {
	mutex sync.Mutex

	data      []byte
	pageSize  int64
	wbs       int
	protected bool

	// opsUntilFailure counts down on every erase and write when armed;
	// when it reaches zero the operation fails before touching the array.
	// Tests use this to cut power at an arbitrary flash operation.
	opsUntilFailure int
	failureArmed    bool
}

// NewMemDevice returns a device of size bytes with the given erase-page size
// and write-block size. The device starts fully erased and write-protected.
func NewMemDevice(size, pageSize int64, wbs int) *MemDevice {
	if size <= 0 || pageSize <= 0 || size%pageSize != 0 {
		log.Panicf("mem-device geometry not valid: size=(%d) page-size=(%d)", size, pageSize)
	}

	if wbs <= 0 || wbs&(wbs-1) != 0 {
		log.Panicf("write-block size must be a power of two: (%d)", wbs)
	}

	data := make([]byte, size)
	for i := range data {
		data[i] = erasedByte
	}

	return &MemDevice{
		data:      data,
		pageSize:  pageSize,
		wbs:       wbs,
		protected: true,
	}
}

// FailAfter arms the fault injector: the next n erases or writes succeed
// and the one after them fails, leaving the array untouched. FailAfter(0)
// fails the next operation.
func (md *MemDevice) FailAfter(n int) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	md.opsUntilFailure = n
	md.failureArmed = true
}

// DisarmFailure cancels a pending FailAfter.
func (md *MemDevice) DisarmFailure() {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	md.failureArmed = false
}

func (md *MemDevice) stepFaultInjector() (err error) {
	if md.failureArmed == false {
		return nil
	}

	if md.opsUntilFailure == 0 {
		md.failureArmed = false
		return log.Errorf("injected flash failure")
	}

	md.opsUntilFailure--

	return nil
}

// Size returns the device size in bytes.
func (md *MemDevice) Size() int64 {
	return int64(len(md.data))
}

// Bytes returns a copy of the raw array. Test support.
func (md *MemDevice) Bytes() []byte {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	c := make([]byte, len(md.data))
	copy(c, md.data)

	return c
}

// Erase resets [off, off+length) to 0xFF.
func (md *MemDevice) Erase(off, length int64) (err error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if md.protected == true {
		return log.Errorf("device is write-protected")
	}

	if off < 0 || off+length > int64(len(md.data)) {
		return log.Errorf("erase out of range: (%d) (%d)", off, length)
	}

	if off%md.pageSize != 0 || length%md.pageSize != 0 {
		return log.Errorf("erase not page-aligned: (%d) (%d)", off, length)
	}

	err = md.stepFaultInjector()
	if err != nil {
		return err
	}

	for i := off; i < off+length; i++ {
		md.data[i] = erasedByte
	}

	return nil
}

// Read fills p starting at off.
func (md *MemDevice) Read(off int64, p []byte) (err error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(md.data)) {
		return log.Errorf("read out of range: (%d) (%d)", off, len(p))
	}

	copy(p, md.data[off:])

	return nil
}

// Write programs p at off by ANDing bits into the array.
func (md *MemDevice) Write(off int64, p []byte) (err error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if md.protected == true {
		return log.Errorf("device is write-protected")
	}

	if off < 0 || off+int64(len(p)) > int64(len(md.data)) {
		return log.Errorf("write out of range: (%d) (%d)", off, len(p))
	}

	if off%int64(md.wbs) != 0 || len(p)%md.wbs != 0 {
		return log.Errorf("write not aligned to write-block size: (%d) (%d)", off, len(p))
	}

	err = md.stepFaultInjector()
	if err != nil {
		return err
	}

	for i, b := range p {
		md.data[off+int64(i)] &= b
	}

	return nil
}

// WriteProtectionSet toggles write protection.
func (md *MemDevice) WriteProtectionSet(enable bool) (err error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	md.protected = enable

	return nil
}

// WriteBlockSize returns the configured WBS.
func (md *MemDevice) WriteBlockSize() int {
	return md.wbs
}

// PageInfoByOffset returns the page containing off.
func (md *MemDevice) PageInfoByOffset(off int64) (start, size int64, err error) {
	if off < 0 || off >= int64(len(md.data)) {
		return 0, 0, log.Errorf("offset out of range: (%d)", off)
	}

	start = off - off%md.pageSize

	return start, md.pageSize, nil
}
