// The multi-image chained stage loader: verify the image in place and jump
// to it, or promote a staged swapper/loader/bootloader first.

package zb8

import (
	"github.com/dsoprea/go-logging"
)

const stageCopyBlockSize = 512

// copyImage erases the destination slot and copies the complete image
// (header plus body) from src into it.
func copyImage(src, dst SlotInfo, hdr FSLHeader) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	length := uint32(hdr.HdrSize) + hdr.Size
	if length > dst.Size {
		return ErrInvalidArgument
	}

	err = dst.Erase(0, dst.Size)
	log.PanicIf(err)

	buf := make([]byte, stageCopyBlockSize)
	off := uint32(0)

	for length > 0 {
		blen := uint32(stageCopyBlockSize)
		if length < blen {
			blen = length
		}

		err = src.Read(off, buf[:blen])
		log.PanicIf(err)

		err = dst.Write(off, buf[:blen])
		log.PanicIf(err)

		off += blen
		length -= blen
	}

	return nil
}

// stageEntry returns the entry point of the image staged in si, provided
// its trailer verifies.
func (e *Engine) stageEntry(si SlotInfo) (entry uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = e.Validate(si)
	if err != nil {
		return 0, err
	}

	hdr, err := readFSLHeader(si)
	log.PanicIf(err)

	return hdr.RunOffset, nil
}

// StageBoot is the stage-loader entry point. The image in the first run
// slot is checked against its verify trailer; depending on its declared run
// offset it is either jumped to directly or first promoted into the fixed
// staging slot it targets (swapper, loader, or — with IsFSL — the
// bootloader area, after which the run slot is erased). When the run image
// does not verify, whichever stage image passes its own trailer check is
// booted instead, swapper first.
func (e *Engine) StageBoot() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if e.cfg.Jump == nil {
		return ErrInvalidArgument
	}

	run0, err := e.cfg.SlotMap.Open(0, Run)
	log.PanicIf(err)

	hdr, hdrErr := readFSLHeader(run0)

	if hdrErr == nil && hdr.Magic == FSLMagic && e.Validate(run0) == nil {
		hdrOffset := hdr.RunOffset - uint32(hdr.HdrSize)

		switch {
		case e.cfg.IsFSL == true && e.cfg.Boot.Device != nil && hdrOffset == e.cfg.Boot.Offset:
			// A staged bootloader: install it over the boot area,
			// clear the run slot so it cannot be executed from
			// there, and boot the new artifact.
			err = copyImage(run0, e.cfg.Boot, hdr)
			log.PanicIf(err)

			err = run0.Erase(0, run0.Size)
			log.PanicIf(err)

			e.cfg.Jump(hdr.RunOffset)

			return nil

		case e.cfg.Swpr.Device != nil && hdrOffset == e.cfg.Swpr.Offset:
			err = copyImage(run0, e.cfg.Swpr, hdr)
			log.PanicIf(err)

			e.cfg.Jump(hdr.RunOffset)

			return nil

		case e.cfg.Ldr.Device != nil && hdrOffset == e.cfg.Ldr.Offset:
			err = copyImage(run0, e.cfg.Ldr, hdr)
			log.PanicIf(err)

			e.cfg.Jump(hdr.RunOffset)

			return nil

		case run0.RangeIn(hdr.RunOffset, 1) == true:
			e.cfg.Jump(hdr.RunOffset)

			return nil
		}
	}

	// Fall back to whichever stage image verifies.
	if e.cfg.Swpr.Device != nil {
		entry, err := e.stageEntry(e.cfg.Swpr)
		if err == nil {
			e.cfg.Jump(entry)
			return nil
		}
	}

	if e.cfg.Ldr.Device != nil {
		entry, err := e.stageEntry(e.cfg.Ldr)
		if err == nil {
			e.cfg.Jump(entry)
			return nil
		}
	}

	return ErrNoBootable
}
