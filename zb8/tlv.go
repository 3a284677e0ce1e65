// Type-length-value records in the image tail.

package zb8

// TLVEntry is one {u16 type, u16 length, value[length]} record. A type of
// zero is the terminator.
type TLVEntry struct {
	Type   uint16
	Length uint16
	Value  []byte
}

// StepTLV reads the record at *offset within data and advances *offset past
// it. ErrNotFound on the terminator or when the buffer ends.
func StepTLV(data []byte, offset *int) (entry TLVEntry, err error) {
	if *offset+4 > len(data) {
		return entry, ErrNotFound
	}

	p := data[*offset:]

	entry.Type = defaultEncoding.Uint16(p)
	if entry.Type == 0x0000 {
		return entry, ErrNotFound
	}

	entry.Length = defaultEncoding.Uint16(p[2:])

	if *offset+4+int(entry.Length) > len(data) {
		return entry, ErrNotFound
	}

	entry.Value = p[4 : 4+entry.Length]

	*offset += 4 + int(entry.Length)

	return entry, nil
}

// findTLV scans data for the first record with the given type and exact
// length. The zero entry is returned when no record matches.
func findTLV(data []byte, tlvType uint16, tlvLength uint16) (entry TLVEntry, found bool) {
	offset := 0

	for {
		e, err := StepTLV(data, &offset)
		if err != nil {
			return entry, false
		}

		if e.Type == tlvType && e.Length == tlvLength {
			return e, true
		}
	}
}
