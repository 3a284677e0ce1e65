// Slot-relative flash access plus the persistent swap command log.

package zb8

import (
	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/laczen/go-zepboot/flash"
)

const (
	emptyByte = 0xff

	cmdBytes = 4
)

func (si SlotInfo) wbs() uint32 {
	if si.Device == nil {
		return 1
	}

	return uint32(si.Device.WriteBlockSize())
}

// AlignUp rounds length up to the slot device's write-block size.
func (si SlotInfo) AlignUp(length uint32) uint32 {
	wbs := si.wbs()
	if wbs <= 1 {
		return length
	}

	return (length + wbs - 1) &^ (wbs - 1)
}

// AlignDown rounds length down to the slot device's write-block size.
func (si SlotInfo) AlignDown(length uint32) uint32 {
	wbs := si.wbs()
	if wbs <= 1 {
		return length
	}

	return length &^ (wbs - 1)
}

// Erase resets [offset, offset+length) of the slot.
func (si SlotInfo) Erase(offset uint32, length uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if length == 0 {
		return nil
	}

	if offset+length > si.Size {
		return ErrInvalidArgument
	}

	err = si.Device.WriteProtectionSet(false)
	log.PanicIf(err)

	err = si.Device.Erase(int64(si.Offset+offset), int64(length))
	log.PanicIf(err)

	err = si.Device.WriteProtectionSet(true)
	log.PanicIf(err)

	return nil
}

// Write programs data at the slot-relative offset. The aligned body is
// written directly; an unaligned tail is padded with 0xFF up to one write
// block.
func (si SlotInfo) Write(offset uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if offset+uint32(len(data)) > si.Size {
		return ErrInvalidArgument
	}

	err = si.Device.WriteProtectionSet(false)
	log.PanicIf(err)

	defer func() {
		si.Device.WriteProtectionSet(true)
	}()

	off := int64(si.Offset + offset)

	blen := si.AlignDown(uint32(len(data)))
	if blen > 0 {
		err = si.Device.Write(off, data[:blen])
		log.PanicIf(err)

		off += int64(blen)
		data = data[blen:]
	}

	if len(data) > 0 {
		buf := make([]byte, si.wbs())
		for i := range buf {
			buf[i] = emptyByte
		}

		copy(buf, data)

		err = si.Device.Write(off, buf)
		log.PanicIf(err)
	}

	return nil
}

// Read fills data from the slot-relative offset.
func (si SlotInfo) Read(offset uint32, data []byte) (err error) {
	if offset+uint32(len(data)) > si.Size {
		return ErrInvalidArgument
	}

	return si.Device.Read(int64(si.Offset+offset), data)
}

// Empty reports whether the whole slot reads as erased flash.
func (si SlotInfo) Empty() (empty bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf := make([]byte, 4)

	for offset := uint32(0); offset < si.Size; offset += 4 {
		err = si.Read(offset, buf)
		log.PanicIf(err)

		for _, b := range buf {
			if b != emptyByte {
				return false, nil
			}
		}
	}

	return true, nil
}

// Cmd is one entry of the swap command log. Cmd1 tracks the general intent,
// Cmd2 the phase and Cmd3 the sector being processed; Crc8 is the
// CRC8-CCITT (0xFF seed) over the three command bytes. Phase values are
// chosen so that the flash-friendly 1-to-0 bit progression yields the next
// phase.
type Cmd struct {
	Cmd1 uint8
	Cmd2 uint8
	Cmd3 uint8
	Crc8 uint8
}

const (
	// CmdEmpty is the value of an unwritten command byte.
	CmdEmpty = uint8(0xff)

	// Cmd1Swap marks a swap in progress.
	Cmd1Swap = uint8(0x7f)

	// Cmd1Error marks an aborted swap.
	Cmd1Error = uint8(0x00)

	// Cmd2Run2Mov copies the run slot to the move slot, top to bottom.
	Cmd2Run2Mov = uint8(0x7f)

	// Cmd2Upg2Run erases a run sector and decrypts the matching upgrade
	// sector into it.
	Cmd2Upg2Run = uint8(0x3e)

	// Cmd2Mov2Upg erases an upgrade sector and re-encrypts the matching
	// move sector into it.
	Cmd2Mov2Upg = uint8(0x1f)

	// Cmd2Finalise ends the swap: a run image that arrived confirmed, and
	// any inplace install, gets its verify trailer stamped so the stage
	// loader accepts it.
	Cmd2Finalise = uint8(0x0f)

	// Cmd2SwpEnd terminates a swap.
	Cmd2SwpEnd = uint8(0x00)
)

func packCmd(cmd Cmd) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	cmd.Crc8 = flash.Crc8CCITT(0xff, []byte{cmd.Cmd1, cmd.Cmd2, cmd.Cmd3})

	raw, err = restruct.Pack(defaultEncoding, &cmd)
	log.PanicIf(err)

	return raw, nil
}

func cmdValid(raw []byte) bool {
	return flash.Crc8CCITT(0xff, raw[:cmdBytes-1]) == raw[cmdBytes-1]
}

func cmdErased(raw []byte) bool {
	for _, b := range raw {
		if b != emptyByte {
			return false
		}
	}

	return true
}

// CmdRead returns the last CRC-valid command in the log. ErrNotFound when
// the log holds no valid entry.
func CmdRead(si SlotInfo) (cmd Cmd, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, cmdBytes)
	step := si.AlignUp(cmdBytes)
	found := false

	for off := uint32(0); off+cmdBytes <= si.Size; off += step {
		err = si.Read(off, raw)
		log.PanicIf(err)

		if cmdErased(raw) == true {
			break
		}

		if cmdValid(raw) == true {
			err = restruct.Unpack(raw, defaultEncoding, &cmd)
			log.PanicIf(err)

			found = true
		}
	}

	if found == false {
		return cmd, ErrNotFound
	}

	return cmd, nil
}

// CmdWrite appends cmd at the first empty slot of the log. ErrOutOfSpace
// when the log is full. The command write is the last operation of each
// swap phase step: command durability defines progress.
func CmdWrite(si SlotInfo, cmd Cmd) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, cmdBytes)
	step := si.AlignUp(cmdBytes)

	for off := uint32(0); off+cmdBytes <= si.Size; off += step {
		err = si.Read(off, raw)
		log.PanicIf(err)

		if cmdErased(raw) == false {
			continue
		}

		packed, err := packCmd(cmd)
		log.PanicIf(err)

		err = si.Write(off, packed)
		log.PanicIf(err)

		return nil
	}

	return ErrOutOfSpace
}
