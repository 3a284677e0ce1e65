package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/laczen/go-zepboot/flash"
	"github.com/laczen/go-zepboot/zb8"
)

type rootParameters struct {
	FlashFilepath string `short:"f" long:"flash-filepath" description:"File-path of the flash image" required:"true"`
	PageSize      int64  `long:"page-size" description:"Erase-page size" default:"4096"`
	Wbs           int    `long:"wbs" description:"Write-block size" default:"8"`

	RunOffset     uint32 `long:"run-offset" description:"Run slot offset" required:"true"`
	MoveOffset    uint32 `long:"move-offset" description:"Move slot offset" required:"true"`
	UpgradeOffset uint32 `long:"upgrade-offset" description:"Upgrade slot offset" required:"true"`
	SwpstatOffset uint32 `long:"swpstat-offset" description:"Swap-status slot offset"`
	SlotSize      uint32 `long:"slot-size" description:"Slot size" required:"true"`
	SwpstatSize   uint32 `long:"swpstat-size" description:"Swap-status slot size"`

	RootPubkeyFilepath  string `long:"root-pubkey" description:"PEM file with the root ECDSA-P256 public key" required:"true"`
	BootPrivkeyFilepath string `long:"boot-privkey" description:"PEM file with the bootloader EC private key (encrypted images only)"`
}

var (
	rootArguments = new(rootParameters)
)

func loadRootPublic(filepath string) (pub *ecdsa.PublicKey, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw, err := os.ReadFile(filepath)
	log.PanicIf(err)

	block, _ := pem.Decode(raw)
	if block == nil {
		log.Panicf("no PEM block in [%s]", filepath)
	}

	keyRaw, err := x509.ParsePKIXPublicKey(block.Bytes)
	log.PanicIf(err)

	pub, ok := keyRaw.(*ecdsa.PublicKey)
	if ok != true {
		log.Panicf("not an EC public key: [%s]", filepath)
	}

	return pub, nil
}

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

	f, err := os.OpenFile(rootArguments.FlashFilepath, os.O_RDWR, 0o644)
	log.PanicIf(err)

	defer f.Close()

	fd, err := flash.NewFileDevice(f, rootArguments.PageSize, rootArguments.Wbs)
	log.PanicIf(err)

	keys := zb8.Keys{}

	pub, err := loadRootPublic(rootArguments.RootPubkeyFilepath)
	log.PanicIf(err)

	keys.RootPublic = []*ecdsa.PublicKey{pub}

	if rootArguments.BootPrivkeyFilepath != "" {
		raw, err := os.ReadFile(rootArguments.BootPrivkeyFilepath)
		log.PanicIf(err)

		block, _ := pem.Decode(raw)
		if block == nil {
			log.Panicf("no PEM block in [%s]", rootArguments.BootPrivkeyFilepath)
		}

		priv, err := x509.ParseECPrivateKey(block.Bytes)
		log.PanicIf(err)

		ecdhPriv, err := priv.ECDH()
		log.PanicIf(err)

		keys.BootPrivate = ecdhPriv
	}

	area := zb8.SlotArea{
		RunOffset:     rootArguments.RunOffset,
		RunSize:       rootArguments.SlotSize,
		RunDevice:     fd,
		MoveOffset:    rootArguments.MoveOffset,
		MoveSize:      rootArguments.SlotSize,
		MoveDevice:    fd,
		UpgradeOffset: rootArguments.UpgradeOffset,
		UpgradeSize:   rootArguments.SlotSize,
		UpgradeDevice: fd,
		SwpstatOffset: rootArguments.SwpstatOffset,
		SwpstatSize:   rootArguments.SwpstatSize,
		SwpstatDevice: fd,
	}

	e := zb8.NewEngine(zb8.Config{
		SlotMap: zb8.SlotMap{area},
		Keys:    keys,
	})

	err = e.Swap(0)
	log.PanicIf(err)

	fmt.Printf("Swap finished.\n")
}
