// This package defines the contract between the storage subsystems and the
// underlying flash driver, along with two concrete devices: an in-memory NOR
// simulator and a file-backed device for the command-line tools.

package flash

// Device is the flash driver contract consumed by all storage subsystems.
// All offsets are absolute within the device. Erases must be page-aligned
// and writes must be aligned to the write-block size.
type Device interface {
	// Erase resets [off, off+length) to 0xFF. Both bounds must fall on
	// page boundaries.
	Erase(off, length int64) error

	// Read fills p from the device starting at off. Unaligned reads are
	// allowed.
	Read(off int64, p []byte) error

	// Write programs p at off. Both off and len(p) must be multiples of
	// the write-block size. Programming can only clear bits (1 -> 0);
	// setting a bit requires an erase.
	Write(off int64, p []byte) error

	// WriteProtectionSet enables or disables the device write protection.
	// Erase and Write fail while protection is enabled.
	WriteProtectionSet(enable bool) error

	// WriteBlockSize returns the minimum aligned write unit (WBS).
	WriteBlockSize() int

	// PageInfoByOffset returns the start offset and size of the erase
	// page containing off.
	PageInfoByOffset(off int64) (start, size int64, err error)
}

const erasedByte = 0xff
