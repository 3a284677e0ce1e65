package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/laczen/go-zepboot/zb8"
)

type rootParameters struct {
	ImageFilepath string `short:"f" long:"image-filepath" description:"File-path of the image to dump" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	raw, err := os.ReadFile(rootArguments.ImageFilepath)
	log.PanicIf(err)

	if len(raw) < 32 {
		fmt.Printf("File too small to carry an image header.\n")
		os.Exit(2)
	}

	hdr, err := zb8.ParseFSLHeader(raw[:32])
	log.PanicIf(err)

	if hdr.Magic != zb8.FSLMagic {
		fmt.Printf("Not an image: bad magic (0x%08x).\n", hdr.Magic)
		os.Exit(2)
	}

	hdr.Dump()

	fmt.Printf("Total image size: %s\n", humanize.IBytes(uint64(hdr.HdrSize)+uint64(hdr.Size)))
	fmt.Printf("\n")

	// Verify trailer.

	trailerOffset := int(hdr.HdrSize) - int(hdr.SigLen) - 32
	if trailerOffset > 0 && trailerOffset+32 <= len(raw) {
		ver, err := zb8.ParseVerifyHeader(raw[trailerOffset : trailerOffset+32])
		log.PanicIf(err)

		if ver.Magic == zb8.VerifyMagic {
			fmt.Printf("Confirmed: [true] CRC32=(0x%08x)\n", ver.Crc32)
		} else {
			fmt.Printf("Confirmed: [false]\n")
		}

		fmt.Printf("\n")
	}

	// TLV tail.

	tlvEnd := trailerOffset
	if tlvEnd > len(raw) {
		tlvEnd = len(raw)
	}

	fmt.Printf("TLV Records\n")
	fmt.Printf("===========\n")
	fmt.Printf("\n")

	tlv := raw[32:tlvEnd]
	offset := 0

	for {
		entry, err := zb8.StepTLV(tlv, &offset)
		if err != nil {
			break
		}

		switch entry.Type {
		case zb8.TLVImageHash:
			fmt.Printf("BodyHash: (%d bytes) [%x]\n", entry.Length, entry.Value)
		case zb8.TLVImageEPubKey:
			fmt.Printf("EphemeralPubkey: (%d bytes) [%x...]\n", entry.Length, entry.Value[:8])
		case zb8.TLVImageDeps:
			fmt.Printf("Dependency: (%d bytes) [%x]\n", entry.Length, entry.Value)
		default:
			fmt.Printf("Unknown (0x%04x): (%d bytes)\n", entry.Type, entry.Length)
		}
	}
}
