// This package implements a multi-stage secure boot and in-place image-swap
// manager for constrained flash devices: slot bookkeeping, a CRC-protected
// persistent command log, signature- and hash-verified image descriptors, a
// resumable sector-by-sector swap state machine with optional AES-CTR
// transcryption, a chained stage loader and a buffered DFU receiver.

package zb8

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
)

var (
	defaultEncoding = binary.LittleEndian
)

var (
	// ErrInvalidArgument indicates a nil, zero-length, or range-violating
	// input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates an empty or exhausted command log, or a slot
	// without the requested content.
	ErrNotFound = errors.New("not found")

	// ErrOutOfSpace indicates a full command log.
	ErrOutOfSpace = errors.New("out of space")

	// ErrInvalidImage indicates a header, signature, hash or dependency
	// failure while reading an image descriptor.
	ErrInvalidImage = errors.New("invalid image")

	// ErrTampering indicates a dependency violation detected while a
	// swap was already under way; the engine dropped the attempted
	// upgrade and restored the prior image.
	ErrTampering = errors.New("tampering detected")

	// ErrNoBootable indicates that the stage loader found no image that
	// passes verification.
	ErrNoBootable = errors.New("no bootable image")
)

// Keys holds the key material compiled into the bootloader.
type Keys struct {
	// BootPrivate is the bootloader's ECDH-P256 private key, used to
	// derive per-image encryption keys from the ephemeral public key in
	// the image tail.
	BootPrivate *ecdh.PrivateKey

	// RootPublic are the ECDSA-P256 root public keys; an image header
	// signature accepted by any of them passes.
	RootPublic []*ecdsa.PublicKey
}

// Config carries the startup-time configuration shared by all zb8
// components. It is passed in explicitly; there are no hidden singletons.
type Config struct {
	// SlotMap is the static table of slot areas.
	SlotMap SlotMap

	// Keys is the bootloader key material.
	Keys Keys

	// Boot is the bootloader region: images whose run offset lands just
	// past a header placed at Boot.Offset are bootloader upgrades.
	Boot SlotInfo

	// Swpr is the swapper staging slot, activated when an image declares
	// its run offset there.
	Swpr SlotInfo

	// Ldr is the loader/DFU staging slot.
	Ldr SlotInfo

	// DFUBlockSize is the DFU receive buffer size, a power of two.
	// Zero selects 512.
	DFUBlockSize int

	// IsFSL enables the bootloader self-upgrade path in the stage
	// loader.
	IsFSL bool

	// Jump transfers control to the image whose entry is at the given
	// absolute offset. The CPU-specific vector load and interrupt
	// masking live behind this callback.
	Jump func(offset uint32)
}

// Engine binds the configuration to the zb8 operations.
type Engine struct {
	cfg Config
}

// NewEngine returns an engine over the given configuration.
func NewEngine(cfg Config) *Engine {
	if cfg.DFUBlockSize == 0 {
		cfg.DFUBlockSize = 512
	}

	return &Engine{
		cfg: cfg,
	}
}
