package flash

import (
	"bytes"
	"testing"
)

func TestCrc8CCITT(t *testing.T) {
	if Crc8CCITT(0xff, []byte{0x00}) != 0xf3 {
		t.Fatalf("CRC8 of a zero byte not correct: (0x%02x)", Crc8CCITT(0xff, []byte{0x00}))
	}

	if Crc8CCITT(0xff, nil) != 0xff {
		t.Fatalf("CRC8 of nothing must be the seed.")
	}

	// A flipped bit must change the CRC.
	a := Crc8CCITT(0xff, []byte{0x12, 0x34, 0x56})
	b := Crc8CCITT(0xff, []byte{0x12, 0x34, 0x57})

	if a == b {
		t.Fatalf("CRC8 did not discriminate a bit flip.")
	}
}

func TestMemDevice_EraseAndWrite(t *testing.T) {
	md := NewMemDevice(4096, 1024, 8)

	// Protected by default.
	err := md.Write(0, make([]byte, 8))
	if err == nil {
		t.Fatalf("Write while protected did not fail.")
	}

	err = md.WriteProtectionSet(false)
	if err != nil {
		t.Fatalf("Could not disable protection.")
	}

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	err = md.Write(16, data)
	if err != nil {
		t.Fatalf("Write failed: %s", err.Error())
	}

	readback := make([]byte, 8)

	err = md.Read(16, readback)
	if err != nil {
		t.Fatalf("Read failed: %s", err.Error())
	}

	if bytes.Equal(readback, data) != true {
		t.Fatalf("Read-back not correct: %v", readback)
	}

	// A second write can only clear bits.
	err = md.Write(16, []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Overwrite failed: %s", err.Error())
	}

	err = md.Read(16, readback)
	if err != nil {
		t.Fatalf("Read failed: %s", err.Error())
	}

	expected := []byte{1, 2, 3, 4, 0, 0, 0, 0}
	if bytes.Equal(readback, expected) != true {
		t.Fatalf("AND semantics not honored: %v != %v", readback, expected)
	}

	// Erase restores 0xFF.
	err = md.Erase(0, 1024)
	if err != nil {
		t.Fatalf("Erase failed: %s", err.Error())
	}

	err = md.Read(16, readback)
	if err != nil {
		t.Fatalf("Read failed: %s", err.Error())
	}

	for _, b := range readback {
		if b != 0xff {
			t.Fatalf("Erase did not blank the page: %v", readback)
		}
	}
}

func TestMemDevice_Alignment(t *testing.T) {
	md := NewMemDevice(4096, 1024, 8)

	md.WriteProtectionSet(false)

	if err := md.Write(4, make([]byte, 8)); err == nil {
		t.Fatalf("Unaligned write offset accepted.")
	}

	if err := md.Write(0, make([]byte, 5)); err == nil {
		t.Fatalf("Unaligned write length accepted.")
	}

	if err := md.Erase(512, 1024); err == nil {
		t.Fatalf("Unaligned erase accepted.")
	}
}

func TestMemDevice_PageInfo(t *testing.T) {
	md := NewMemDevice(4096, 1024, 8)

	start, size, err := md.PageInfoByOffset(2500)
	if err != nil {
		t.Fatalf("Page-info failed: %s", err.Error())
	}

	if start != 2048 || size != 1024 {
		t.Fatalf("Page-info not correct: (%d) (%d)", start, size)
	}

	_, _, err = md.PageInfoByOffset(4096)
	if err == nil {
		t.Fatalf("Out-of-range page-info accepted.")
	}
}

func TestMemDevice_FailAfter(t *testing.T) {
	md := NewMemDevice(4096, 1024, 8)

	md.WriteProtectionSet(false)

	md.FailAfter(1)

	if err := md.Write(0, make([]byte, 8)); err != nil {
		t.Fatalf("First write should have succeeded.")
	}

	if err := md.Write(8, make([]byte, 8)); err == nil {
		t.Fatalf("Second write should have failed.")
	}

	// The injector disarms after firing.
	if err := md.Write(8, make([]byte, 8)); err != nil {
		t.Fatalf("Third write should have succeeded.")
	}
}
