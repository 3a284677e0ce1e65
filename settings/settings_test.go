package settings

import (
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/dsoprea/go-logging"

	"github.com/laczen/go-zepboot/flash"
	"github.com/laczen/go-zepboot/sfcb"
)

// newTestStore builds a store whose compress hook is registered with the
// filesystem, over a fresh in-memory device.
func newTestStore(md *flash.MemDevice, sectorSize, sectorCount uint16) (*sfcb.FS, *Store) {
	var store *Store

	fs := sfcb.NewFS(sfcb.Config{
		SectorSize:  sectorSize,
		SectorCount: sectorCount,
		Device:      md,
		Compress: func(fs *sfcb.FS) (err error) {
			return store.Compress(fs)
		},
	})

	store = NewStore(fs)

	return fs, store
}

func loadAll(t *testing.T, store *Store) map[string]string {
	settings := make(map[string]string)

	err := store.Load(func(name string, value []byte) (err error) {
		if _, dup := settings[name]; dup == true {
			t.Fatalf("Name dispatched twice: [%s]", name)
		}

		settings[name] = string(value)

		return nil
	})

	log.PanicIf(err)

	return settings
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := flash.NewMemDevice(4*4096, 1024, 8)
	fs, store := newTestStore(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	err = store.SaveOne("net/mtu", []byte("1500"))
	log.PanicIf(err)

	err = store.SaveOne("net/name", []byte("node-a"))
	log.PanicIf(err)

	settings := loadAll(t, store)

	if len(settings) != 2 || settings["net/mtu"] != "1500" || settings["net/name"] != "node-a" {
		t.Fatalf("Settings not recovered: %v", settings)
	}
}

func TestStore_LatestWins(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := flash.NewMemDevice(4*4096, 1024, 8)
	fs, store := newTestStore(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	for i := 0; i < 5; i++ {
		err = store.SaveOne("k", []byte(strconv.Itoa(i)))
		log.PanicIf(err)
	}

	settings := loadAll(t, store)

	if settings["k"] != "4" {
		t.Fatalf("Latest value did not win: [%s]", settings["k"])
	}
}

func TestStore_Tombstone(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := flash.NewMemDevice(4*4096, 1024, 8)
	fs, store := newTestStore(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	err = store.SaveOne("gone", []byte("present"))
	log.PanicIf(err)

	err = store.SaveOne("kept", []byte("here"))
	log.PanicIf(err)

	err = store.Delete("gone")
	log.PanicIf(err)

	settings := loadAll(t, store)

	if _, found := settings["gone"]; found == true {
		t.Fatalf("Deleted setting was dispatched.")
	}

	if settings["kept"] != "here" {
		t.Fatalf("Unrelated setting lost: %v", settings)
	}
}

func TestStore_NamePrefixNoCollision(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := flash.NewMemDevice(4*4096, 1024, 8)
	fs, store := newTestStore(md, 4096, 4)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	// "ab" must not supersede "a", nor the reverse.
	err = store.SaveOne("a", []byte("one"))
	log.PanicIf(err)

	err = store.SaveOne("ab", []byte("two"))
	log.PanicIf(err)

	settings := loadAll(t, store)

	if settings["a"] != "one" || settings["ab"] != "two" {
		t.Fatalf("Prefix names collided: %v", settings)
	}
}

func TestStore_BootCountScenario(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := flash.NewMemDevice(4*4096, 1024, 8)

	for cycle := 0; cycle < 8; cycle++ {
		fs, store := newTestStore(md, 4096, 4)

		err := fs.Mount()
		if err != nil {
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

		if bootCount != cycle {
			t.Fatalf("Boot-count at cycle (%d) not correct: (%d)", cycle, bootCount)
		}

		bootCount++

		err = store.SaveOne("ps/bc", []byte(strconv.Itoa(bootCount)))
		log.PanicIf(err)

		err = fs.Unmount()
		log.PanicIf(err)
	}
}

func TestStore_CompressDedup(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	md := flash.NewMemDevice(3*1024, 1024, 8)
	fs, store := newTestStore(md, 1024, 3)

	err := fs.Format()
	log.PanicIf(err)

	err = fs.Mount()
	log.PanicIf(err)

	// A handful of stable settings, then one key overwritten until the
	// log rotates several times. Compaction must carry the stable
	// settings across and keep exactly the latest value of the churning
	// key.
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("stable/%d", i)

		err = store.SaveOne(name, []byte(strconv.Itoa(i)))
		log.PanicIf(err)
	}

	last := ""
	rotations := 0

	for i := 0; i < 120; i++ {
		last = fmt.Sprintf("val-%08d", i)

		before := fs.WriteSector()

		err = store.SaveOne("churn", []byte(last))
		log.PanicIf(err)

		if fs.WriteSector() == before {
			continue
		}

		// The log has just rotated: the new write sector holds what
		// compaction carried across plus the entry that caused the
		// rotation, and so at most one entry per name.
		rotations++

		for name, count := range sectorEntriesPerName(fs, fs.WriteSector()) {
			if count > 1 {
				t.Fatalf("Compacted sector holds (%d) entries for [%s].", count, name)
			}
		}
	}

	if rotations == 0 {
		t.Fatalf("The log never rotated.")
	}

	settings := loadAll(t, store)

	if settings["churn"] != last {
		t.Fatalf("Churned key lost its latest value: [%s]", settings["churn"])
	}

	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("stable/%d", i)

		if settings[name] != strconv.Itoa(i) {
			t.Fatalf("Stable setting lost across compaction: [%s]=%q", name, settings[name])
		}
	}

}

// sectorEntriesPerName counts the settings entries in sector, per name.
func sectorEntriesPerName(fs *sfcb.FS, sector uint16) map[string]int {
	loc, err := fs.StartLoc()
	log.PanicIf(err)

	perName := make(map[string]int)

	for {
		err = loc.Next()
		if errors.Is(err, sfcb.ErrNotFound) == true {
			break
		}

		log.PanicIf(err)

		if loc.Sector() != sector || loc.ATE().ID != EntryID {
			continue
		}

		payload := make([]byte, loc.ATE().Len)

		_, err = loc.Read(payload)
		log.PanicIf(err)

		name := string(payload)
		for j := 0; j < len(payload); j++ {
			if payload[j] == '=' {
				name = string(payload[:j])
				break
			}
		}

		perName[name]++
	}

	return perName
}
