package sfcb

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/dsoprea/go-logging"

	"github.com/laczen/go-zepboot/flash"
)

func newTestDevice(sectorSize uint16, sectorCount uint16) *flash.MemDevice {
	return flash.NewMemDevice(int64(sectorSize)*int64(sectorCount), 1024, 8)
}

func newTestFS(md *flash.MemDevice, sectorSize, sectorCount uint16) *FS {
	return NewFS(Config{
		SectorSize:  sectorSize,
		SectorCount: sectorCount,
		Device:      md,
	})
}

func TestFS_FormatAndMount(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	if fs.WriteSector() != 0 {
		t.Fatalf("Write sector after format not correct: (%d)", fs.WriteSector())
	}

	err = fs.Unmount()
	log.PanicIf(err)
}

func TestFS_MountNoFilesystem(t *testing.T) {
	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Mount()
	if errors.Is(err, ErrNoFilesystem) != true {
		t.Fatalf("Mount of a blank device did not fail with no-filesystem: %v", err)
	}
}

func TestFS_MountBusy(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	err = fs.Mount()
	if errors.Is(err, ErrBusy) != true {
		t.Fatalf("Second mount did not fail with busy: %v", err)
	}
}

func TestFS_WriteReadRoundTrip(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	value := []byte("the quick brown fox")

	_, err = fs.Write(0x10, value)
	log.PanicIf(err)

	readback := make([]byte, len(value))

	n, err := fs.Read(0x10, readback)
	log.PanicIf(err)

	if n != len(value) || bytes.Equal(readback, value) != true {
		t.Fatalf("Round-trip not correct: (%d) [%s]", n, readback)
	}

	_, err = fs.Read(0x11, readback)
	if errors.Is(err, ErrNotFound) != true {
		t.Fatalf("Read of an absent id did not fail with not-found: %v", err)
	}
}

func TestFS_OverwritePrecedence(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	_, err = fs.Write(7, []byte("first"))
	log.PanicIf(err)

	_, err = fs.Write(7, []byte("second"))
	log.PanicIf(err)

	readback := make([]byte, 16)

	n, err := fs.Read(7, readback)
	log.PanicIf(err)

	if string(readback[:n]) != "second" {
		t.Fatalf("Later write did not win: [%s]", readback[:n])
	}
}

func TestFS_OpenLocTooLarge(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(1024, 3)
	fs := newTestFS(md, 1024, 3)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	// Larger than a whole sector can ever hold.
	_, err = fs.OpenLoc(1, 1024)
	if errors.Is(err, ErrOutOfSpace) != true {
		t.Fatalf("Oversized reservation did not fail with out-of-space: %v", err)
	}
}

func TestFS_Rotation(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(1024, 3)
	fs := newTestFS(md, 1024, 3)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	seen := make(map[uint16]bool)
	value := make([]byte, 16)

	for i := 0; i < 200; i++ {
		copy(value, fmt.Sprintf("value-%08d", i))

		_, err = fs.Write(3, value)
		log.PanicIf(err)

		seen[fs.WriteSector()] = true
	}

	if len(seen) != 3 {
		t.Fatalf("Rotation did not visit all sectors: %v", seen)
	}

	readback := make([]byte, 16)

	n, err := fs.Read(3, readback)
	log.PanicIf(err)

	expected := make([]byte, 16)
	copy(expected, fmt.Sprintf("value-%08d", 199))

	if bytes.Equal(readback[:n], expected) != true {
		t.Fatalf("Latest value not recovered after rotation: [%s]", readback[:n])
	}
}

func TestFS_MountRecoversCursor(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	for i := uint16(0); i < 10; i++ {
		_, err = fs.Write(i, []byte{byte(i), byte(i), byte(i), byte(i)})
		log.PanicIf(err)
	}

	err = fs.Unmount()
	log.PanicIf(err)

	// A fresh instance over the same device must land on the same
	// cursors and keep appending without clobbering anything.
	fs2 := newTestFS(md, 4096, 4)

	err = fs2.Mount()
	log.PanicIf(err)

	_, err = fs2.Write(100, []byte("post-remount"))
	log.PanicIf(err)

	readback := make([]byte, 4)

	for i := uint16(0); i < 10; i++ {
		n, err := fs2.Read(i, readback)
		log.PanicIf(err)

		if n != 4 || readback[0] != byte(i) {
			t.Fatalf("Entry (%d) lost across remount.", i)
		}
	}
}

func TestFS_PowerLossDuringATEWrite(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	_, err = fs.Write(1, []byte("committed"))
	log.PanicIf(err)

	// The payload write succeeds; the ATE write is cut. The entry must
	// not become visible after remount. The payload takes two flash
	// writes: its first full word and the flush of its tail.
	md.FailAfter(2)

	_, err = fs.Write(2, []byte("torn-entry"))
	if err == nil {
		t.Fatalf("Interrupted write did not fail.")
	}

	md.DisarmFailure()

	fs2 := newTestFS(md, 4096, 4)

	err = fs2.Mount()
	log.PanicIf(err)

	readback := make([]byte, 16)

	_, err = fs2.Read(2, readback)
	if errors.Is(err, ErrNotFound) != true {
		t.Fatalf("Torn entry became visible: %v", err)
	}

	n, err := fs2.Read(1, readback)
	log.PanicIf(err)

	if string(readback[:n]) != "committed" {
		t.Fatalf("Pre-loss entry not recovered: [%s]", readback[:n])
	}

	// The recovered data cursor must skip the orphaned payload.
	_, err = fs2.Write(3, []byte("after-recovery"))
	log.PanicIf(err)

	n, err = fs2.Read(3, readback)
	log.PanicIf(err)

	if string(readback[:n]) != "after-recovery" {
		t.Fatalf("Post-recovery write not readable: [%s]", readback[:n])
	}
}

func TestFS_IteratorOrder(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	ids := []uint16{5, 9, 2, 9, 7}

	for _, id := range ids {
		_, err = fs.Write(id, []byte{byte(id)})
		log.PanicIf(err)
	}

	loc, err := fs.StartLoc()
	log.PanicIf(err)

	walked := make([]uint16, 0)

	for {
		err = loc.Next()
		if errors.Is(err, ErrNotFound) == true {
			break
		}

		log.PanicIf(err)

		walked = append(walked, loc.ATE().ID)
	}

	if len(walked) != len(ids) {
		t.Fatalf("Walk count not correct: (%d) != (%d)", len(walked), len(ids))
	}

	for i, id := range ids {
		if walked[i] != id {
			t.Fatalf("Walk order not correct at (%d): (%d) != (%d)", i, walked[i], id)
		}
	}
}

func TestFS_StreamedWrite(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	// Write in deliberately unaligned pieces; the location's write
	// cache must coalesce them.
	pieces := [][]byte{
		[]byte("abc"),
		[]byte("defgh"),
		[]byte("i"),
		[]byte("jklmnopqrstu"),
	}

	total := 0
	for _, p := range pieces {
		total += len(p)
	}

	loc, err := fs.OpenLoc(40, uint16(total))
	log.PanicIf(err)

	for _, p := range pieces {
		_, err = loc.Write(p)
		log.PanicIf(err)
	}

	err = loc.Close()
	log.PanicIf(err)

	readback := make([]byte, total)

	n, err := fs.Read(40, readback)
	log.PanicIf(err)

	if string(readback[:n]) != "abcdefghijklmnopqrstu" {
		t.Fatalf("Streamed write not reassembled: [%s]", readback[:n])
	}
}

func TestFS_WriteAfterCloseDenied(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := newTestDevice(4096, 4)
	fs := newTestFS(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	loc, err := fs.OpenLoc(1, 8)
	log.PanicIf(err)

	_, err = loc.Write([]byte("12345678"))
	log.PanicIf(err)

	err = loc.Close()
	log.PanicIf(err)

	_, err = loc.Write([]byte("x"))
	if errors.Is(err, ErrPermissionDenied) != true {
		t.Fatalf("Write at a closed location did not fail with permission-denied: %v", err)
	}

	err = loc.Close()
	if errors.Is(err, ErrPermissionDenied) != true {
		t.Fatalf("Double close did not fail with permission-denied: %v", err)
	}
}
