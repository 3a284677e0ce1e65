// Image confirmation: the verify trailer inside the header area carries the
// CRC32-IEEE of the image body once the image is committed.

package zb8

import (
	"hash/crc32"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// slotBodyCrc32 computes the CRC32-IEEE over the image body in si.
func slotBodyCrc32(si SlotInfo) (crc uint32, hdr FSLHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	hdr, err = readFSLHeader(si)
	log.PanicIf(err)

	if hdr.Magic != FSLMagic {
		return 0, hdr, ErrInvalidImage
	}

	buf := make([]byte, 256)

	off := uint32(hdr.HdrSize)
	length := hdr.Size

	for length > 0 {
		rdLen := uint32(len(buf))
		if length < rdLen {
			rdLen = length
		}

		err = si.Read(off, buf[:rdLen])
		log.PanicIf(err)

		crc = crc32.Update(crc, crc32.IEEETable, buf[:rdLen])

		off += rdLen
		length -= rdLen
	}

	return crc, hdr, nil
}

// Validate checks the image in si against its verify trailer: the trailer
// magic must be stamped and its CRC32 must match the body.
func (e *Engine) Validate(si SlotInfo) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	crc, hdr, err := slotBodyCrc32(si)
	if err != nil {
		return err
	}

	ver, err := readVerifyHeader(si, hdr)
	log.PanicIf(err)

	if ver.Magic != VerifyMagic || ver.Crc32 != crc {
		return ErrInvalidImage
	}

	return nil
}

// Confirm stamps the verify trailer of the image in si. A trailer that
// already matches is left alone; the trailer region of an unconfirmed image
// is erased flash, so stamping is a plain write.
func (e *Engine) Confirm(si SlotInfo) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	crc, hdr, err := slotBodyCrc32(si)
	if err != nil {
		return err
	}

	ver, err := readVerifyHeader(si, hdr)
	log.PanicIf(err)

	if ver.Magic == VerifyMagic && ver.Crc32 == crc {
		return nil
	}

	ver = VerifyHeader{
		Magic: VerifyMagic,
		Crc32: crc,
	}

	for i := range ver.Pad {
		ver.Pad[i] = emptyByte
	}

	raw, err := restruct.Pack(defaultEncoding, &ver)
	log.PanicIf(err)

	err = si.Write(verifyTrailerOffset(hdr), raw)
	log.PanicIf(err)

	return nil
}
