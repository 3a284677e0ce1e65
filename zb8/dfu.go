// The DFU receiver: a buffered byte-stream writer that stages an uploaded
// image into the upgrade slot its header names.

package zb8

import (
	"github.com/dsoprea/go-logging"
)

// Receiver buffers an incoming image byte stream block-wise and writes it
// into the matching upgrade slot, erasing sectors on demand as the stream
// crosses them. The transport feeding it (serial, Bluetooth, anything that
// delivers offset-tagged chunks) is not its business.
type Receiver struct {
	e *Engine

	smIdx     int
	slotFound bool

	buf       []byte
	bufOffset int
	wrOffset  uint32
}

// NewReceiver returns a receiver over the engine's slot map.
func (e *Engine) NewReceiver() *Receiver {
	return &Receiver{
		e:   e,
		buf: make([]byte, e.cfg.DFUBlockSize),
	}
}

func (r *Receiver) reset() {
	r.bufOffset = 0
	r.wrOffset = 0
	r.slotFound = false

	for i := range r.buf {
		r.buf[i] = emptyByte
	}
}

// flushBlock writes the buffered block. The first flush parses the image
// header, selects the slot area whose upgrade offset matches the declared
// upload offset, and erases the swap status log of classic areas so that a
// stale half-finished swap cannot resume over the fresh upload.
func (r *Receiver) flushBlock() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	e := r.e

	if r.wrOffset == 0 && r.slotFound == false {
		if r.bufOffset < fslHeaderBytes {
			return ErrInvalidImage
		}

		hdr, err := unpackFSLHeader(r.buf[:fslHeaderBytes])
		log.PanicIf(err)

		if hdr.Magic != FSLMagic {
			return ErrInvalidImage
		}

		for smIdx := 0; smIdx < e.cfg.SlotMap.Count(); smIdx++ {
			upgrade, err := e.cfg.SlotMap.Open(smIdx, Upgrade)
			if err != nil {
				continue
			}

			if hdr.UploadOffset == upgrade.Offset {
				r.smIdx = smIdx
				r.slotFound = true
				break
			}
		}

		if r.slotFound == false {
			return ErrInvalidImage
		}

		if e.cfg.SlotMap.Inplace(r.smIdx) == false {
			swpstat, err := e.cfg.SlotMap.Open(r.smIdx, Swpstat)
			log.PanicIf(err)

			err = swpstat.Erase(0, swpstat.Size)
			log.PanicIf(err)
		}
	}

	upgrade, err := e.cfg.SlotMap.Open(r.smIdx, Upgrade)
	log.PanicIf(err)

	sectorSize := e.cfg.SlotMap.SectorSize(r.smIdx)

	if sectorSize != 0 && r.wrOffset%sectorSize == 0 {
		err = upgrade.Erase(r.wrOffset, sectorSize)
		log.PanicIf(err)
	}

	err = upgrade.Write(r.wrOffset, r.buf[:upgrade.AlignUp(uint32(r.bufOffset))])
	log.PanicIf(err)

	r.wrOffset += uint32(r.bufOffset)
	r.bufOffset = 0

	for i := range r.buf {
		r.buf[i] = emptyByte
	}

	return nil
}

// Receive consumes one offset-tagged chunk of the stream. An offset of
// zero restarts the receiver.
func (r *Receiver) Receive(offset uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if offset == 0 {
		r.reset()
	}

	for r.bufOffset+len(data) >= len(r.buf) {
		plen := len(r.buf) - r.bufOffset

		copy(r.buf[r.bufOffset:], data[:plen])
		r.bufOffset += plen
		data = data[plen:]

		err = r.flushBlock()
		log.PanicIf(err)
	}

	if len(data) > 0 {
		copy(r.buf[r.bufOffset:], data)
		r.bufOffset += len(data)
	}

	return nil
}

// Flush writes out a partial final block, ending the upload.
func (r *Receiver) Flush() (err error) {
	if r.bufOffset == 0 {
		return nil
	}

	return r.flushBlock()
}

// Confirm stamps the run image of slot area smIdx, committing it so the
// swap engine will not restore the previous image at the next boot.
func (r *Receiver) Confirm(smIdx int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	run, err := r.e.cfg.SlotMap.Open(smIdx, Run)
	log.PanicIf(err)

	return r.e.Confirm(run)
}
