// Key derivation, signature verification, streamed hashing and the CTR
// transform. The primitives themselves come from the standard crypto
// library; this file only adapts them to the raw on-flash formats.

package zb8

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/sha256"
	"math/big"

	"crypto/ecdsa"

	"github.com/dsoprea/go-logging"
)

const (
	// AESBlockSize is the AES block size in bytes.
	AESBlockSize = 16

	// AESKeySize is the AES-128 key (and nonce) size in bytes.
	AESKeySize = 16

	// HashBytes is the SHA-256 digest size.
	HashBytes = 32

	// SignatureBytes is the raw ECDSA-P256 signature size (r || s).
	SignatureBytes = 64

	// PublicKeyBytes is the raw P-256 public key size (x || y).
	PublicKeyBytes = 64
)

// encryptionKey derives the per-image {key, nonce} pair from the ephemeral
// public key in the image tail: KDF1-SHA256 over the ECDH shared secret
// computed with the bootloader private key.
func (e *Engine) encryptionKey(pubkeyRaw []byte) (key, nonce [AESKeySize]byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if e.cfg.Keys.BootPrivate == nil || len(pubkeyRaw) != PublicKeyBytes {
		return key, nonce, ErrInvalidImage
	}

	// Raw x||y to the uncompressed point encoding.
	point := make([]byte, 1+PublicKeyBytes)
	point[0] = 4
	copy(point[1:], pubkeyRaw)

	pub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return key, nonce, ErrInvalidImage
	}

	secret, err := e.cfg.Keys.BootPrivate.ECDH(pub)
	if err != nil {
		return key, nonce, ErrInvalidImage
	}

	// KDF1: SHA256(secret || counter), one round.
	kdf := sha256.New()
	kdf.Write(secret)
	kdf.Write([]byte{0, 0, 0, 0})
	digest := kdf.Sum(nil)

	copy(key[:], digest[:AESKeySize])
	copy(nonce[:], digest[AESKeySize:])

	return key, nonce, nil
}

// signVerify checks a raw r||s signature over hash against the compiled-in
// root public keys. Any accepting key suffices.
func (e *Engine) signVerify(hash []byte, signature []byte) (err error) {
	if len(signature) != SignatureBytes {
		return ErrInvalidImage
	}

	r := new(big.Int).SetBytes(signature[:SignatureBytes/2])
	s := new(big.Int).SetBytes(signature[SignatureBytes/2:])

	for _, pub := range e.cfg.Keys.RootPublic {
		if pub == nil {
			continue
		}

		if ecdsa.Verify(pub, hash, r, s) == true {
			return nil
		}
	}

	return ErrInvalidImage
}

// hashSlot computes the SHA-256 over [off, off+length) of a slot.
func hashSlot(si SlotInfo, off uint32, length uint32) (digest []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	h := sha256.New()
	buf := make([]byte, 256)

	for length > 0 {
		bufLen := uint32(len(buf))
		if length < bufLen {
			bufLen = length
		}

		err = si.Read(off, buf[:bufLen])
		log.PanicIf(err)

		h.Write(buf[:bufLen])

		off += bufLen
		length -= bufLen
	}

	return h.Sum(nil), nil
}

// ctrIncrement steps a big-endian block counter by one, wrapping at the
// low end first.
func ctrIncrement(ctr *[AESBlockSize]byte) {
	for j := AESBlockSize; j > 0; j-- {
		ctr[j-1]++
		if ctr[j-1] != 0 {
			break
		}
	}
}

// aesCTRMode transforms buf in place with AES-128-CTR. The counter is used
// for the first block and incremented after each block; the updated counter
// is written back so a subsequent call continues the stream at the next
// block boundary.
func aesCTRMode(buf []byte, ctr *[AESBlockSize]byte, key []byte) (err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return log.Wrap(err)
	}

	var keystream [AESBlockSize]byte
	nonce := *ctr

	for i := range buf {
		blkOff := i & (AESBlockSize - 1)

		if blkOff == 0 {
			block.Encrypt(keystream[:], nonce[:])
			ctrIncrement(&nonce)
		}

		buf[i] ^= keystream[blkOff]
	}

	*ctr = nonce

	return nil
}
