package flash

import (
	"os"

	"github.com/dsoprea/go-logging"
)

// FileDevice adapts a plain file to the Device contract so that the tools
// under cmd/ can operate on flash dumps. Erase is emulated by writing 0xFF;
// the write-once constraint of real NOR is not enforced here.
type FileDevice struct {
	f        *os.File
	size     int64
	pageSize int64
	wbs      int
}

// NewFileDevice wraps an open file. The file size must be a multiple of
// pageSize.
func NewFileDevice(f *os.File, pageSize int64, wbs int) (fd *FileDevice, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fi, err := f.Stat()
	log.PanicIf(err)

	if fi.Size()%pageSize != 0 {
		log.Panicf("file size not a multiple of the page size: (%d) (%d)", fi.Size(), pageSize)
	}

	fd = &FileDevice{
		f:        f,
		size:     fi.Size(),
		pageSize: pageSize,
		wbs:      wbs,
	}

	return fd, nil
}

// Erase writes 0xFF over [off, off+length).
func (fd *FileDevice) Erase(off, length int64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if off%fd.pageSize != 0 || length%fd.pageSize != 0 {
		log.Panicf("erase not page-aligned: (%d) (%d)", off, length)
	}

	blank := make([]byte, fd.pageSize)
	for i := range blank {
		blank[i] = erasedByte
	}

	for length > 0 {
		_, err = fd.f.WriteAt(blank, off)
		log.PanicIf(err)

		off += fd.pageSize
		length -= fd.pageSize
	}

	return nil
}

// Read fills p starting at off.
func (fd *FileDevice) Read(off int64, p []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	_, err = fd.f.ReadAt(p, off)
	log.PanicIf(err)

	return nil
}

// Write programs p at off.
func (fd *FileDevice) Write(off int64, p []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if off%int64(fd.wbs) != 0 || len(p)%fd.wbs != 0 {
		log.Panicf("write not aligned to write-block size: (%d) (%d)", off, len(p))
	}

	_, err = fd.f.WriteAt(p, off)
	log.PanicIf(err)

	return nil
}

// WriteProtectionSet is accepted and ignored for files.
func (fd *FileDevice) WriteProtectionSet(enable bool) (err error) {
	return nil
}

// WriteBlockSize returns the configured WBS.
func (fd *FileDevice) WriteBlockSize() int {
	return fd.wbs
}

// PageInfoByOffset returns the page containing off.
func (fd *FileDevice) PageInfoByOffset(off int64) (start, size int64, err error) {
	if off < 0 || off >= fd.size {
		return 0, 0, log.Errorf("offset out of range: (%d)", off)
	}

	start = off - off%fd.pageSize

	return start, fd.pageSize, nil
}
