package zb8

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"hash/crc32"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/laczen/go-zepboot/flash"
)

// Test support: deterministic image construction against throwaway keys and
// a canned flash geometry. Compiled into the package so the builders can
// reach the wire-format internals, exactly like the on-device image tooling
// would.

type testKeys struct {
	signPriv *ecdsa.PrivateKey
	bootPriv *ecdh.PrivateKey
}

func newTestKeys() testKeys {
	signPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	log.PanicIf(err)

	bootPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	log.PanicIf(err)

	return testKeys{
		signPriv: signPriv,
		bootPriv: bootPriv,
	}
}

func (tk testKeys) engineKeys() Keys {
	return Keys{
		BootPrivate: tk.bootPriv,
		RootPublic:  []*ecdsa.PublicKey{&tk.signPriv.PublicKey},
	}
}

// testImageSpec drives buildTestImage.
type testImageSpec struct {
	uploadOffset uint32
	runOffset    uint32
	version      Ver
	build        uint32
	bodySize     int
	bodySeed     byte
	encrypt      bool
	confirmed    bool
	deps         []Dep
}

const (
	testTlvAreaSize = 128
	testHdrSize     = fslHeaderBytes + testTlvAreaSize + verifyHeaderBytes + SignatureBytes
)

// testImageBody reproduces the plaintext body a spec generates.
func testImageBody(spec testImageSpec) []byte {
	body := make([]byte, spec.bodySize)
	for i := range body {
		body[i] = spec.bodySeed + byte(i)
	}

	return body
}

// buildTestImage assembles a complete signed (and optionally encrypted)
// image: fixed header, TLV tail, verify trailer, signature, body.
func buildTestImage(tk testKeys, spec testImageSpec) []byte {
	body := testImageBody(spec)
	storedBody := make([]byte, len(body))
	copy(storedBody, body)

	var ephPubRaw []byte

	if spec.encrypt == true {
		ephPriv, err := ecdh.P256().GenerateKey(rand.Reader)
		log.PanicIf(err)

		ephPubRaw = ephPriv.PublicKey().Bytes()[1:]

		secret, err := ephPriv.ECDH(tk.bootPriv.PublicKey())
		log.PanicIf(err)

		kdf := sha256.New()
		kdf.Write(secret)
		kdf.Write([]byte{0, 0, 0, 0})
		digest := kdf.Sum(nil)

		var key, ctr [AESKeySize]byte
		copy(key[:], digest[:AESKeySize])
		copy(ctr[:], digest[AESKeySize:])

		err = aesCTRMode(storedBody, &ctr, key[:])
		log.PanicIf(err)
	}

	raw := make([]byte, testHdrSize+len(storedBody))
	for i := range raw {
		raw[i] = 0xff
	}

	hdr := FSLHeader{
		Magic:        FSLMagic,
		UploadOffset: spec.uploadOffset,
		HdrSize:      testHdrSize,
		SigType:      0,
		SigLen:       SignatureBytes,
		Size:         uint32(len(storedBody)),
		RunOffset:    spec.runOffset,
		Version:      spec.version,
		Build:        spec.build,
		Pad0:         0xffffffff,
	}

	packedHdr, err := restruct.Pack(defaultEncoding, &hdr)
	log.PanicIf(err)

	copy(raw, packedHdr)

	// TLV tail.
	bodyHash := sha256.Sum256(storedBody)

	tlv := make([]byte, 0, testTlvAreaSize)
	tlv = appendTLV(tlv, TLVImageHash, bodyHash[:])

	if spec.encrypt == true {
		tlv = appendTLV(tlv, TLVImageEPubKey, ephPubRaw)
	}

	for _, dep := range spec.deps {
		packedDep, err := restruct.Pack(defaultEncoding, &dep)
		log.PanicIf(err)

		tlv = appendTLV(tlv, TLVImageDeps, packedDep)
	}

	// Terminator.
	tlv = append(tlv, 0, 0, 0, 0)

	if len(tlv) > testTlvAreaSize {
		log.Panicf("test TLV area overflow: (%d)", len(tlv))
	}

	copy(raw[fslHeaderBytes:], tlv)

	// Trailer, erased unless confirmed.
	trailerOff := fslHeaderBytes + testTlvAreaSize

	if spec.confirmed == true {
		ver := VerifyHeader{
			Magic: VerifyMagic,
			Crc32: crc32.ChecksumIEEE(storedBody),
		}

		for i := range ver.Pad {
			ver.Pad[i] = 0xff
		}

		packedVer, err := restruct.Pack(defaultEncoding, &ver)
		log.PanicIf(err)

		copy(raw[trailerOff:], packedVer)
	}

	// Signature over the fixed header and the TLV tail.
	digest := sha256.Sum256(raw[:trailerOff])

	r, s, err := ecdsa.Sign(rand.Reader, tk.signPriv, digest[:])
	log.PanicIf(err)

	sig := make([]byte, SignatureBytes)
	r.FillBytes(sig[:SignatureBytes/2])
	s.FillBytes(sig[SignatureBytes/2:])

	copy(raw[trailerOff+verifyHeaderBytes:], sig)

	copy(raw[testHdrSize:], storedBody)

	return raw
}

func appendTLV(tlv []byte, tlvType uint16, value []byte) []byte {
	tlv = append(tlv, byte(tlvType), byte(tlvType>>8))
	tlv = append(tlv, byte(len(value)), byte(len(value)>>8))
	tlv = append(tlv, value...)

	return tlv
}

// installTestImage erases the slot and writes the image at its start.
func installTestImage(si SlotInfo, image []byte) {
	err := si.Erase(0, si.Size)
	log.PanicIf(err)

	err = si.Write(0, image)
	log.PanicIf(err)
}

// testBench is the canned geometry shared by the zb8 tests: a classic slot
// area, an inplace slot area and the fixed boot/swpr/ldr regions, all on
// one simulated device.
type testBench struct {
	md     *flash.MemDevice
	keys   testKeys
	e      *Engine
	jumped []uint32
}

const (
	testClassicRun     = uint32(0)
	testClassicMove    = uint32(1024)
	testClassicUpgrade = uint32(8192)
	testClassicSwpstat = uint32(12288)

	testInplaceRun     = uint32(16384)
	testInplaceUpgrade = uint32(20480)
	testInplaceSwpstat = uint32(24576)

	testBootOffset = uint32(28672)
	testSwprOffset = uint32(32768)
	testLdrOffset  = uint32(36864)

	testSlotSize = uint32(4096)
)

func newTestBench(isFSL bool) *testBench {
	bench := &testBench{
		md:   flash.NewMemDevice(65536, 1024, 8),
		keys: newTestKeys(),
	}

	classic := SlotArea{
		RunOffset: testClassicRun, RunSize: testSlotSize, RunDevice: bench.md,
		MoveOffset: testClassicMove, MoveSize: testSlotSize, MoveDevice: bench.md,
		UpgradeOffset: testClassicUpgrade, UpgradeSize: testSlotSize, UpgradeDevice: bench.md,
		SwpstatOffset: testClassicSwpstat, SwpstatSize: 1024, SwpstatDevice: bench.md,
	}

	inplace := SlotArea{
		RunOffset: testInplaceRun, RunSize: testSlotSize, RunDevice: bench.md,
		MoveOffset: testInplaceUpgrade, MoveSize: testSlotSize, MoveDevice: bench.md,
		UpgradeOffset: testInplaceUpgrade, UpgradeSize: testSlotSize, UpgradeDevice: bench.md,
		SwpstatOffset: testInplaceSwpstat, SwpstatSize: 1024, SwpstatDevice: bench.md,
	}

	bench.e = NewEngine(Config{
		SlotMap: SlotMap{classic, inplace},
		Keys:    bench.keys.engineKeys(),
		Boot:    SlotInfo{testBootOffset, testSlotSize, bench.md},
		Swpr:    SlotInfo{testSwprOffset, testSlotSize, bench.md},
		Ldr:     SlotInfo{testLdrOffset, testSlotSize, bench.md},
		IsFSL:   isFSL,
		Jump: func(offset uint32) {
			bench.jumped = append(bench.jumped, offset)
		},
	})

	return bench
}

func (bench *testBench) slot(smIdx int, kind SlotKind) SlotInfo {
	si, err := bench.e.cfg.SlotMap.Open(smIdx, kind)
	log.PanicIf(err)

	return si
}
