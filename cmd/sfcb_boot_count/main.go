package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/laczen/go-zepboot/flash"
	"github.com/laczen/go-zepboot/settings"
	"github.com/laczen/go-zepboot/sfcb"
)

type rootParameters struct {
	FlashFilepath string `short:"f" long:"flash-filepath" description:"File-path of the flash image (created when missing)" required:"true"`
	SectorSize    uint16 `long:"sector-size" description:"Sector size" default:"4096"`
	SectorCount   uint16 `long:"sector-count" description:"Sector count" default:"4"`
	Wbs           int    `long:"wbs" description:"Write-block size" default:"8"`
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

	size := int64(rootArguments.SectorSize) * int64(rootArguments.SectorCount)

	f, err := openOrCreate(rootArguments.FlashFilepath, size)
	log.PanicIf(err)

	defer f.Close()

	fd, err := flash.NewFileDevice(f, int64(rootArguments.SectorSize), rootArguments.Wbs)
	log.PanicIf(err)

	fs := sfcb.NewFS(sfcb.Config{
		SectorSize:     rootArguments.SectorSize,
		SectorCount:    rootArguments.SectorCount,
		Device:         fd,
		UnalignedWrite: false,
	})

	store := settings.NewStore(fs)

	err = fs.Mount()
	if err != nil {
		// Not formatted yet.
		err = fs.Format()
		log.PanicIf(err)

		err = fs.Mount()
		log.PanicIf(err)
	}

	bootCount := 0

	err = store.Load(func(name string, value []byte) (err error) {
		if name == "ps/bc" {
			bootCount, err = strconv.Atoi(string(value))
			log.PanicIf(err)
		}

		return nil
	})

	log.PanicIf(err)

	bootCount++

	err = store.SaveOne("ps/bc", []byte(strconv.Itoa(bootCount)))
	log.PanicIf(err)

	err = fs.Unmount()
	log.PanicIf(err)

	fmt.Printf("Boot-count: (%d)\n", bootCount)
}

func openOrCreate(filepath string, size int64) (f *os.File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	f, err = os.OpenFile(filepath, os.O_RDWR, 0o644)
	if err == nil {
		return f, nil
	}

	f, err = os.OpenFile(filepath, os.O_RDWR|os.O_CREATE, 0o644)
	log.PanicIf(err)

	blank := make([]byte, size)
	for i := range blank {
		blank[i] = 0xff
	}

	_, err = f.WriteAt(blank, 0)
	log.PanicIf(err)

	return f, nil
}
