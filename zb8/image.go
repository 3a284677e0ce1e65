// The image descriptor reader: parses and verifies the image header, the
// verify trailer and the TLV tail, derives encryption material and enforces
// declared dependencies.

package zb8

import (
	"bytes"
	"fmt"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	// FSLMagic identifies an image header ("FSLH" in hex).
	FSLMagic = uint32(0x46534c48)

	// VerifyMagic identifies a stamped verify trailer ("VERI" in hex).
	VerifyMagic = uint32(0x56455249)

	// fslHeaderBytes is the packed size of FSLHeader.
	fslHeaderBytes = 32

	// verifyHeaderBytes is the packed size of VerifyHeader. The trailer
	// sits at hdr_size - sig_len - verifyHeaderBytes within the header
	// area.
	verifyHeaderBytes = 32

	// tlvAreaMaxSize bounds the region between the fixed header and the
	// signature.
	tlvAreaMaxSize = 1024
)

// verifyTrailerOffset locates the verify trailer: the last header bytes
// before the signature. The signed region ends where the trailer begins, so
// stamping a confirmation does not disturb the signature.
func verifyTrailerOffset(hdr FSLHeader) uint32 {
	return uint32(hdr.HdrSize) - uint32(hdr.SigLen) - verifyHeaderBytes
}

// TLV types carried in the image tail.
const (
	// TLVImageHash is the SHA-256 of the image body.
	TLVImageHash = uint16(0x0100)

	// TLVImageEPubKey is the ephemeral ECDH-P256 public key. Absent for
	// plaintext images.
	TLVImageEPubKey = uint16(0x0200)

	// TLVImageDeps is a dependency specifier.
	TLVImageDeps = uint16(0x0300)

	depBytes = 12
)

// Ver is an image version.
type Ver struct {
	Major uint8
	Minor uint8
	Rev   uint16
}

// String returns the dotted form.
func (v Ver) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Rev)
}

// Dep is a dependency specifier from the image tail: the image installed at
// ImgOffset must carry a version within [VerMin, VerMax].
type Dep struct {
	ImgOffset uint32
	VerMin    Ver
	VerMax    Ver
}

// FSLHeader is the fixed image header.
type FSLHeader struct {
	// Magic is always 0x46534C48 ("FSLH").
	Magic uint32

	// UploadOffset is the absolute flash offset this image must land in.
	// The DFU receiver selects the upgrade slot whose offset matches.
	UploadOffset uint32

	// HdrSize is the total header size: the fixed header, the TLV tail,
	// the verify trailer and the signature. The image body starts here.
	HdrSize uint16

	// SigType is the signature scheme; zero (ECDSA-P256) is the only
	// value accepted.
	SigType uint8

	// SigLen is the signature length; 64 for ECDSA-P256.
	SigLen uint8

	// Size is the image body size, excluding the header.
	Size uint32

	// RunOffset is the absolute entry point the image runs from.
	RunOffset uint32

	// Version is the image version.
	Version Ver

	// Build is the build number.
	Build uint32

	Pad0 uint32
}

// VerifyHeader is the trailer stamped when an image is confirmed: the magic
// plus the CRC32-IEEE of the image body. An unconfirmed image leaves the
// trailer erased so that confirmation is a plain write into erased flash.
type VerifyHeader struct {
	Magic uint32
	Pad   [24]uint8
	Crc32 uint32
}

// ParseFSLHeader unpacks a raw fixed header.
func ParseFSLHeader(raw []byte) (hdr FSLHeader, err error) {
	return unpackFSLHeader(raw)
}

// ParseVerifyHeader unpacks a raw verify trailer.
func ParseVerifyHeader(raw []byte) (ver VerifyHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(raw, defaultEncoding, &ver)
	log.PanicIf(err)

	return ver, nil
}

// String returns a description of the header.
func (hdr FSLHeader) String() string {
	return fmt.Sprintf("FSLHeader<RUN=(0x%08x) VERSION=[%s] BUILD=(%d)>", hdr.RunOffset, hdr.Version, hdr.Build)
}

// Dump prints all header parameters.
func (hdr FSLHeader) Dump() {
	fmt.Printf("Image Header\n")
	fmt.Printf("============\n")
	fmt.Printf("\n")

	fmt.Printf("Magic: (0x%08x)\n", hdr.Magic)
	fmt.Printf("UploadOffset: (0x%08x)\n", hdr.UploadOffset)
	fmt.Printf("HdrSize: (%d)\n", hdr.HdrSize)
	fmt.Printf("SigType: (%d)\n", hdr.SigType)
	fmt.Printf("SigLen: (%d)\n", hdr.SigLen)
	fmt.Printf("Size: (%d)\n", hdr.Size)
	fmt.Printf("RunOffset: (0x%08x)\n", hdr.RunOffset)
	fmt.Printf("Version: [%s]\n", hdr.Version)
	fmt.Printf("Build: (%d)\n", hdr.Build)
	fmt.Printf("\n")
}

// ImageInfo is everything the swap engine needs to know about one image.
// The *OK flags cache verification results; a pre-set flag suppresses the
// corresponding (expensive) re-verification.
type ImageInfo struct {
	// Start is the body offset within the slot (== header size).
	Start uint32

	// EncStart is the offset encryption begins at: Start for encrypted
	// images, End for plaintext ones.
	EncStart uint32

	// End is the offset one past the body.
	End uint32

	// LoadAddress is the absolute run offset.
	LoadAddress uint32

	// Version is the packed version: major<<24 | minor<<16 | rev.
	Version uint32

	// Build is the build number.
	Build uint32

	EncKey   [AESKeySize]byte
	EncNonce [AESKeySize]byte

	HdrOK bool
	ImgOK bool
	DepOK bool
	KeyOK bool

	// IsBootloader marks an image whose header lands at the boot area
	// offset.
	IsBootloader bool

	// Confirmed marks an image whose verify trailer is stamped.
	Confirmed bool
}

// Reset clears the cached verification state.
func (info *ImageInfo) Reset() {
	info.HdrOK = false
	info.ImgOK = false
	info.DepOK = false
	info.KeyOK = false
	info.Confirmed = false
	info.IsBootloader = false
}

// Valid reports whether the header, body and dependencies all verified.
func (info *ImageInfo) Valid() bool {
	return info.HdrOK && info.ImgOK && info.DepOK
}

func unpackFSLHeader(raw []byte) (hdr FSLHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(raw, defaultEncoding, &hdr)
	log.PanicIf(err)

	return hdr, nil
}

func readFSLHeader(si SlotInfo) (hdr FSLHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, fslHeaderBytes)

	err = si.Read(0, raw)
	log.PanicIf(err)

	hdr, err = unpackFSLHeader(raw)
	log.PanicIf(err)

	return hdr, nil
}

func readVerifyHeader(si SlotInfo, hdr FSLHeader) (ver VerifyHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, verifyHeaderBytes)

	err = si.Read(verifyTrailerOffset(hdr), raw)
	log.PanicIf(err)

	err = restruct.Unpack(raw, defaultEncoding, &ver)
	log.PanicIf(err)

	return ver, nil
}

// checkDep resolves a dependency target against the known run regions (and
// the boot/swpr/ldr regions) and requires the installed version to fall
// within the declared range. A region without an image header satisfies the
// dependency.
func (e *Engine) checkDep(dep Dep) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	var target SlotInfo
	var moveView SlotInfo

	haveMove := false
	found := false

	for smIdx := 0; smIdx < e.cfg.SlotMap.Count(); smIdx++ {
		run, err := e.cfg.SlotMap.Open(smIdx, Run)
		log.PanicIf(err)

		if dep.ImgOffset == run.Offset {
			target = run
			found = true

			moveView, err = e.cfg.SlotMap.Open(smIdx, Move)
			log.PanicIf(err)

			haveMove = true

			break
		}
	}

	if found == false {
		for _, si := range []SlotInfo{e.cfg.Boot, e.cfg.Swpr, e.cfg.Ldr} {
			if si.Device != nil && dep.ImgOffset == si.Offset {
				target = si
				found = true
				break
			}
		}
	}

	if found == false {
		return ErrInvalidImage
	}

	hdr, err := readFSLHeader(target)
	log.PanicIf(err)

	if hdr.Magic != FSLMagic {
		// Nothing installed there.
		return nil
	}

	// Mid-swap the run header's version words may read erased; the move
	// slot then still holds the previous image.
	if haveMove == true && hdr.Version.Major == 0xff && hdr.Version.Minor == 0xff && hdr.Version.Rev == 0xffff {
		hdr, err = readFSLHeader(moveView)
		log.PanicIf(err)

		if hdr.Magic != FSLMagic {
			return nil
		}
	}

	// Versions compare as major.minor; the revision is not compared.
	ver := uint16(hdr.Version.Major)<<8 | uint16(hdr.Version.Minor)
	verMin := uint16(dep.VerMin.Major)<<8 | uint16(dep.VerMin.Minor)
	verMax := uint16(dep.VerMax.Major)<<8 | uint16(dep.VerMax.Minor)

	if verMin <= ver && ver <= verMax {
		return nil
	}

	return ErrInvalidImage
}

// imgGetInfo parses (and, when fullCheck is set, verifies) the image in
// slt. dstSlt is the slot the image is destined for; a dependency on the
// destination itself is clamped to the top of its range when the image is
// not confirmed, which prevents rollback below the version the image
// demands.
func (e *Engine) imgGetInfo(info *ImageInfo, slt, dstSlt SlotInfo, fullCheck bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	hdr, err := readFSLHeader(slt)
	if err != nil {
		return err
	}

	if hdr.Magic != FSLMagic || hdr.SigType != 0 || hdr.SigLen != SignatureBytes {
		return ErrInvalidImage
	}

	if fullCheck == false {
		return nil
	}

	if int(hdr.HdrSize) < fslHeaderBytes+verifyHeaderBytes+SignatureBytes ||
		int(hdr.HdrSize) > fslHeaderBytes+tlvAreaMaxSize {
		return ErrInvalidImage
	}

	// The signature covers the fixed header and the TLV tail; the
	// mutable verify trailer and the signature itself are excluded.
	tsize := verifyTrailerOffset(hdr)

	// Verify the header signature.
	if info.HdrOK == false {
		hdrHash, err := hashSlot(slt, 0, tsize)
		log.PanicIf(err)

		sign := make([]byte, SignatureBytes)

		err = slt.Read(uint32(hdr.HdrSize)-SignatureBytes, sign)
		log.PanicIf(err)

		err = e.signVerify(hdrHash, sign)
		if err != nil {
			return ErrInvalidImage
		}

		info.HdrOK = true
	}

	info.Start = uint32(hdr.HdrSize)
	info.EncStart = info.Start
	info.End = info.Start + hdr.Size
	info.LoadAddress = hdr.RunOffset
	info.Version = uint32(hdr.Version.Major)<<24 | uint32(hdr.Version.Minor)<<16 | uint32(hdr.Version.Rev)
	info.Build = hdr.Build

	if e.cfg.Boot.Device != nil && hdr.RunOffset-uint32(hdr.HdrSize) == e.cfg.Boot.Offset {
		info.IsBootloader = true
	}

	// Confirmation status comes from the verify trailer.
	ver, err := readVerifyHeader(slt, hdr)
	log.PanicIf(err)

	info.Confirmed = ver.Magic == VerifyMagic

	// The TLV region lies between the fixed header and the signature.
	tlvSize := tsize - fslHeaderBytes
	tlv := make([]byte, tlvSize)

	err = slt.Read(fslHeaderBytes, tlv)
	log.PanicIf(err)

	// Verify the body hash.
	hashEntry, foundHash := findTLV(tlv, TLVImageHash, HashBytes)
	if foundHash == false {
		return ErrInvalidImage
	}

	if info.ImgOK == false {
		imgHash, err := hashSlot(slt, info.Start, hdr.Size)
		log.PanicIf(err)

		if bytes.Equal(hashEntry.Value, imgHash) == false {
			return ErrInvalidImage
		}

		info.ImgOK = true
	}

	// Encryption parameters.
	keyEntry, foundKey := findTLV(tlv, TLVImageEPubKey, PublicKeyBytes)
	if foundKey == false {
		// No ephemeral key means no encryption.
		info.EncStart = info.End
	} else {
		if info.KeyOK == false {
			key, nonce, err := e.encryptionKey(keyEntry.Value)
			if err != nil {
				return ErrInvalidImage
			}

			info.EncKey = key
			info.EncNonce = nonce
			info.KeyOK = true
		}
	}

	if info.DepOK == true {
		return nil
	}

	// Validate the dependencies.
	offset := 0
	for {
		entry, err := StepTLV(tlv, &offset)
		if err != nil {
			break
		}

		if entry.Type != TLVImageDeps || entry.Length != depBytes {
			continue
		}

		var dep Dep

		err = restruct.Unpack(entry.Value, defaultEncoding, &dep)
		log.PanicIf(err)

		if info.Confirmed == false && dep.ImgOffset == dstSlt.Offset {
			// Prevent rollback below the version the new image
			// itself demands.
			dep.VerMin.Major = dep.VerMax.Major
			dep.VerMin.Minor = dep.VerMax.Minor
		}

		err = e.checkDep(dep)
		if err != nil {
			return ErrInvalidImage
		}
	}

	info.DepOK = true

	return nil
}

// ValidateImage fills info for the image in slt with full verification,
// resolving destination-relative dependencies against dstSlt.
func (e *Engine) ValidateImage(info *ImageInfo, slt, dstSlt SlotInfo) (err error) {
	return e.imgGetInfo(info, slt, dstSlt, true)
}

// GetImageInfo fills info for the image in slt, resolving dependencies
// against the slot itself.
func (e *Engine) GetImageInfo(info *ImageInfo, slt SlotInfo) (err error) {
	return e.imgGetInfo(info, slt, slt, true)
}

// HasImageHeader checks whether slt carries an image header, without any
// verification.
func (e *Engine) HasImageHeader(slt SlotInfo) (err error) {
	var info ImageInfo
	return e.imgGetInfo(&info, slt, slt, false)
}
