// The swap state machine and the sector move primitive.

package zb8

import (
	"errors"

	"github.com/dsoprea/go-logging"
)

// moveBlockSize is the copy granularity of the sector move primitive.
const moveBlockSize = 512

// moveCmd carries everything needed to move one sector.
type moveCmd struct {
	info   *ImageInfo
	from   SlotInfo
	to     SlotInfo
	offset uint32
}

// imgMove copies length bytes of one sector from the source slot to the
// destination slot. Bytes at or past the image's encryption start are run
// through the CTR stream; the counter is first advanced to the block the
// sector starts at, so sectors can be processed in any order.
func (e *Engine) imgMove(mcmd moveCmd, length uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	var ulen uint32

	if mcmd.offset < mcmd.info.EncStart {
		// Leading bytes below the encryption boundary copy verbatim.
		ulen = mcmd.info.EncStart - mcmd.offset
	}

	ctr := mcmd.info.EncNonce

	if ulen == 0 {
		for off := mcmd.info.EncStart; off < mcmd.offset; off += AESBlockSize {
			ctrIncrement(&ctr)
		}
	}

	off := mcmd.offset
	buf := make([]byte, moveBlockSize)

	for length > 0 {
		bufLen := uint32(moveBlockSize)
		if length < bufLen {
			bufLen = length
		}

		if ulen > 0 && ulen < bufLen {
			bufLen = ulen
		}

		err = mcmd.from.Read(off, buf[:bufLen])
		log.PanicIf(err)

		if ulen == 0 {
			err = aesCTRMode(buf[:bufLen], &ctr, mcmd.info.EncKey[:])
			log.PanicIf(err)
		}

		err = mcmd.to.Write(off, buf[:bufLen])
		log.PanicIf(err)

		if ulen > 0 {
			ulen -= bufLen
		}

		length -= bufLen
		off += bufLen
	}

	return nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}

	return b
}

// Swap continues or starts the image swap of the given slot area. It drives
// the command log through RUN2MOV, UPG2RUN, MOV2UPG and FINALISE and is
// resumable from the last persisted command after any power loss. On a
// dependency violation detected mid-swap the attempted upgrade is dropped
// and the prior image restored from the move slot; ErrTampering is
// returned once the area is consistent again.
func (e *Engine) Swap(smIdx int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	sectorSize := e.cfg.SlotMap.SectorSize(smIdx)
	if sectorSize == 0 {
		return ErrInvalidArgument
	}

	runSlt, err := e.cfg.SlotMap.Open(smIdx, Run)
	log.PanicIf(err)

	moveSlt, err := e.cfg.SlotMap.Open(smIdx, Move)
	log.PanicIf(err)

	upgrSlt, err := e.cfg.SlotMap.Open(smIdx, Upgrade)
	log.PanicIf(err)

	swpSlt, err := e.cfg.SlotMap.Open(smIdx, Swpstat)
	log.PanicIf(err)

	var runInfo, moveInfo, upgrInfo ImageInfo

	runInfo.Reset()
	moveInfo.Reset()
	upgrInfo.Reset()

	// Images already in the run or move slot would fail body hash
	// verification when they use encryption; they also need no
	// dependency check.
	runInfo.ImgOK = true
	runInfo.DepOK = true
	moveInfo.ImgOK = true
	moveInfo.DepOK = true

	continueSwap := false
	saveStat := swpSlt.Size != 0
	inPlace := e.cfg.SlotMap.Inplace(smIdx)
	tampered := false

	var cmd Cmd

	// The entry predicate: decide, from the command log and the run
	// image state, whether to resume, restore, start fresh or do
	// nothing. The predicate reads the run image without crypto work.
	runInfo.HdrOK = true
	runInfo.KeyOK = true

	if saveStat == false {
		if inPlace == false {
			// A classic area cannot work without a status slot.
			return ErrInvalidArgument
		}

		if e.HasImageHeader(upgrSlt) != nil {
			// Nothing staged.
			e.GetImageInfo(&runInfo, runSlt)

			if runInfo.IsBootloader == true {
				// A bootloader must not run from the run
				// slot.
				swpErr := runSlt.Erase(0, runSlt.Size)
				log.PanicIf(swpErr)

				return ErrInvalidImage
			}

			if runInfo.Confirmed == false {
				return ErrInvalidImage
			}

			return nil
		}

		cmd = Cmd{Cmd1: CmdEmpty, Cmd2: CmdEmpty, Cmd3: CmdEmpty}
	} else {
		cmd, err = CmdRead(swpSlt)

		if err == nil {
			e.GetImageInfo(&runInfo, runSlt)

			if cmd.Cmd2 == Cmd2SwpEnd {
				if runInfo.IsBootloader == false && runInfo.Confirmed == true {
					// Nothing to do.
					return nil
				}

				if inPlace == true && runInfo.IsBootloader == true {
					swpErr := runSlt.Erase(0, runSlt.Size)
					log.PanicIf(swpErr)

					return ErrInvalidImage
				}

				// Restoring the previous image: start a fresh
				// walk from the swapped-back state.
			} else {
				continueSwap = true
			}
		} else if errors.Is(err, ErrNotFound) == true {
			if e.HasImageHeader(upgrSlt) != nil {
				// No command and nothing staged.
				return nil
			}

			cmd = Cmd{Cmd1: CmdEmpty, Cmd2: CmdEmpty, Cmd3: CmdEmpty}
		} else {
			return err
		}
	}

	runInfo.HdrOK = false
	runInfo.KeyOK = false

	if continueSwap == true {
		// The staged image was fully validated before the first
		// command was persisted, and its body is now scattered over
		// two slots where the hash cannot be recomputed. The header
		// signature still gates every replayed step.
		upgrInfo.ImgOK = true
		upgrInfo.DepOK = true
	} else {
		err = e.ValidateImage(&upgrInfo, upgrSlt, runSlt)
		if err != nil {
			return ErrInvalidImage
		}

		if cmd.Cmd2 == Cmd2SwpEnd {
			err = swpSlt.Erase(0, swpSlt.Size)
			log.PanicIf(err)
		}

		cmd = Cmd{Cmd1: Cmd1Swap, Cmd2: CmdEmpty, Cmd3: CmdEmpty}
	}

	upg2runDone := false
	mov2upgDone := inPlace

	for cmd.Cmd2 != Cmd2SwpEnd {
		cmdOff := uint32(cmd.Cmd3) * sectorSize

		switch cmd.Cmd2 {
		case CmdEmpty:
			// Choose the starting sector.
			cmd.Cmd3 = 0

			if inPlace == true {
				cmd.Cmd2 = Cmd2Upg2Run
				break
			}

			if e.GetImageInfo(&runInfo, runSlt) != nil {
				// Nothing to back up.
				cmd.Cmd2 = Cmd2Upg2Run
				break
			}

			for (uint32(cmd.Cmd3)+1)*sectorSize < runInfo.End {
				cmd.Cmd3++
			}

			cmd.Cmd2 = Cmd2Run2Mov

		case Cmd2Run2Mov:
			// Back up one run sector, high to low. The run image
			// is already plaintext: the whole sector is copied
			// verbatim.
			e.GetImageInfo(&runInfo, runSlt)
			runInfo.EncStart = cmdOff + sectorSize

			err = moveSlt.Erase(cmdOff, sectorSize)
			log.PanicIf(err)

			mcmd := moveCmd{&runInfo, runSlt, moveSlt, cmdOff}

			err = e.imgMove(mcmd, sectorSize)
			log.PanicIf(err)

			if cmd.Cmd3 == 0 {
				cmd.Cmd2 = Cmd2Upg2Run
			} else {
				cmd.Cmd3--
			}

		case Cmd2Upg2Run:
			if upg2runDone == true {
				if inPlace == true {
					cmd.Cmd2 = Cmd2Finalise
				} else {
					cmd.Cmd2 = Cmd2Mov2Upg
				}

				break
			}

			if cmdOff < runSlt.Size {
				err = runSlt.Erase(cmdOff, sectorSize)
				log.PanicIf(err)
			}

			if cmd.Cmd3 == 0 {
				if inPlace == false {
					// Downgrade protection: the staged
					// image re-verifies, dependencies
					// included, before its first sector
					// lands.
					upgrInfo.DepOK = false
				}

				err = e.GetImageInfo(&upgrInfo, upgrSlt)
				if err != nil && tampered == false {
					// Drop the attempted upgrade: the
					// source becomes the move slot and the
					// walk degenerates to inplace,
					// restoring the prior image.
					tampered = true

					upgrSlt, err = e.cfg.SlotMap.Open(smIdx, Move)
					log.PanicIf(err)

					inPlace = true

					break
				}
			} else {
				// The headers have been swapped already.
				e.GetImageInfo(&upgrInfo, runSlt)
			}

			if tampered == true {
				// The restored image is plaintext; do not
				// decrypt it.
				upgrInfo.EncStart = upgrInfo.End
			}

			if cmdOff < upgrInfo.End {
				mcmd := moveCmd{&upgrInfo, upgrSlt, runSlt, cmdOff}

				err = e.imgMove(mcmd, minU32(sectorSize, upgrInfo.End-cmdOff))
				log.PanicIf(err)
			} else {
				upg2runDone = true
			}

			if inPlace == true {
				cmd.Cmd3++
			} else {
				cmd.Cmd2 = Cmd2Mov2Upg
			}

		case Cmd2Mov2Upg:
			if mov2upgDone == true {
				if upg2runDone == true {
					cmd.Cmd2 = Cmd2Finalise
				} else {
					cmd.Cmd3++
					cmd.Cmd2 = Cmd2Upg2Run
				}

				break
			}

			if cmdOff < upgrSlt.Size {
				err = upgrSlt.Erase(cmdOff, sectorSize)
				log.PanicIf(err)
			}

			// The image in the move slot was never verified and
			// might not even exist (first install); treat a
			// missing header as an image ending right here.
			if cmd.Cmd3 == 0 {
				if e.GetImageInfo(&moveInfo, moveSlt) != nil {
					moveInfo.End = cmdOff
				}
			} else {
				// The headers have been swapped already.
				if e.GetImageInfo(&moveInfo, upgrSlt) != nil {
					moveInfo.End = cmdOff
				}
			}

			if cmdOff < moveInfo.End {
				mcmd := moveCmd{&moveInfo, moveSlt, upgrSlt, cmdOff}

				err = e.imgMove(mcmd, minU32(sectorSize, moveInfo.End-cmdOff))
				log.PanicIf(err)
			} else {
				mov2upgDone = true
			}

			cmd.Cmd3++
			cmd.Cmd2 = Cmd2Upg2Run

		case Cmd2Finalise:
			// Prepare the image for booting. An image that was
			// already confirmed (and any inplace install) gets
			// its trailer stamped so the stage loader accepts it
			// immediately.
			e.GetImageInfo(&runInfo, runSlt)

			if runInfo.Confirmed == true || inPlace == true {
				err = e.Confirm(runSlt)
				log.PanicIf(err)
			}

			cmd.Cmd2 = Cmd2SwpEnd

		default:
			return ErrInvalidArgument
		}

		if saveStat == true {
			err = CmdWrite(swpSlt, cmd)
			log.PanicIf(err)
		}
	}

	if tampered == true {
		return ErrTampering
	}

	return nil
}
