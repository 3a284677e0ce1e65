// This package layers a name=value settings store over the circular-buffer
// engine. Each setting is one entry with a fixed id; the payload is the name,
// an equals sign and the value. Later entries supersede earlier ones with
// the same name, and an empty value is a deletion.

package settings

import (
	"errors"

	"github.com/dsoprea/go-logging"

	"github.com/laczen/go-zepboot/sfcb"
)

// EntryID is the entry id shared by every setting.
const EntryID = uint16(0xffff)

// SetHandlerFunc is called by Load for each current setting.
type SetHandlerFunc func(name string, value []byte) (err error)

// Store is a settings backend over one filesystem.
type Store struct {
	fs *sfcb.FS
}

// NewStore returns a store over fs. The filesystem's Compress hook should be
// set to the store's Compress method before mounting so that superseded
// entries are discarded on rotation.
func NewStore(fs *sfcb.FS) *Store {
	return &Store{
		fs: fs,
	}
}

// SaveOne persists one name=value pair.
func (store *Store) SaveOne(name string, value []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if name == "" {
		return sfcb.ErrInvalidArgument
	}

	loc, err := store.fs.OpenLoc(EntryID, uint16(len(name)+1+len(value)))
	if err != nil {
		return err
	}

	_, err = loc.Write([]byte(name))
	log.PanicIf(err)

	_, err = loc.Write([]byte("="))
	log.PanicIf(err)

	_, err = loc.Write(value)
	log.PanicIf(err)

	err = loc.Close()
	log.PanicIf(err)

	return nil
}

// Delete writes a tombstone for name: an entry with an empty value.
func (store *Store) Delete(name string) (err error) {
	return store.SaveOne(name, nil)
}

// nameMatches compares the name of the entry at walk against name,
// consuming the walk location in 32-byte blocks so that no full value is ever
// buffered. It reports whether the two entries name the same setting.
func (store *Store) nameMatches(walk *sfcb.Location, name []byte) (match bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	block := make([]byte, 32)
	np := 0

	for {
		n, err := walk.Read(block)
		log.PanicIf(err)

		if n == 0 {
			return false, nil
		}

		for i := 0; i < n; i++ {
			w := block[i]

			var c byte
			if np < len(name) {
				c = name[np]
			} else {
				c = 0
			}

			if w == '=' && np == len(name) {
				// Same name on both sides.
				return true, nil
			}

			if w != c || w == '=' {
				// The walk entry diverges from (or ends
				// before) the reference name.
				return false, nil
			}

			np++
		}
	}
}

// Load iterates all entries from oldest to newest and dispatches the latest
// non-deleted value of each name to set. A name whose latest entry has an
// empty value is skipped entirely.
func (store *Store) Load(set SetHandlerFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	loadLoc, err := store.fs.StartLoc()
	if err != nil {
		return err
	}

	for {
		err = loadLoc.Next()
		if errors.Is(err, sfcb.ErrNotFound) == true {
			break
		}

		log.PanicIf(err)

		ate := loadLoc.ATE()
		if ate.ID != EntryID {
			continue
		}

		name, nameEnd, ok, err := readName(loadLoc)
		log.PanicIf(err)

		if ok == false {
			// No '=' found; not a settings entry.
			continue
		}

		// If a later entry carries the same name, delay the load
		// until we reach it.
		superseded := false

		walkLoc := loadLoc.Clone()
		walk := &walkLoc

		for {
			err = walk.Next()
			if errors.Is(err, sfcb.ErrNotFound) == true {
				break
			}

			log.PanicIf(err)

			if walk.ATE().ID != EntryID {
				continue
			}

			match, err := store.nameMatches(walk, name)
			log.PanicIf(err)

			if match == true {
				superseded = true
				break
			}
		}

		if superseded == true {
			continue
		}

		valLen := int(ate.Len) - nameEnd - 1
		if valLen <= 0 {
			// Deleted.
			continue
		}

		err = loadLoc.SetPos(uint16(nameEnd + 1))
		log.PanicIf(err)

		value := make([]byte, valLen)

		_, err = loadLoc.Read(value)
		log.PanicIf(err)

		err = set(string(name), value)
		if err != nil {
			return err
		}
	}

	return nil
}

// readName reads the entry payload at loc up to the '=' separator and
// leaves the read position unspecified (callers reposition with SetPos).
func readName(loc *sfcb.Location) (name []byte, nameEnd int, ok bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = loc.Rewind()
	log.PanicIf(err)

	block := make([]byte, 32)

	for {
		n, err := loc.Read(block)
		log.PanicIf(err)

		if n == 0 {
			return nil, 0, false, nil
		}

		for i := 0; i < n; i++ {
			if block[i] == '=' {
				return name, nameEnd, true, nil
			}

			name = append(name, block[i])
			nameEnd++
		}
	}
}

// Compress is the garbage-collection hook registered with the filesystem.
// It walks the compaction target sector and re-copies every entry that is
// not superseded by a later entry with the same name and is not a
// tombstone. Entries left behind are lost when the rotation erases the
// sector.
func (store *Store) Compress(fs *sfcb.FS) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	compressLoc, err := fs.StartLoc()
	if err != nil {
		return err
	}

	err = compressLoc.Next()
	if errors.Is(err, sfcb.ErrNotFound) == true {
		return nil
	} else if err != nil {
		return err
	}

	compressSector, err := fs.CompressSector()
	log.PanicIf(err)

	for compressLoc.Sector() == compressSector {
		ate := compressLoc.ATE()

		if ate.ID == EntryID {
			name, _, ok, err := readName(compressLoc)
			log.PanicIf(err)

			copyEntry := ok

			if copyEntry == true {
				walkLoc := compressLoc.Clone()
				walk := &walkLoc

				for {
					err = walk.Next()
					if errors.Is(err, sfcb.ErrNotFound) == true {
						break
					}

					log.PanicIf(err)

					if walk.ATE().ID != EntryID {
						continue
					}

					match, err := store.nameMatches(walk, name)
					log.PanicIf(err)

					if match == true {
						copyEntry = false
						break
					}
				}
			}

			if copyEntry == true && ate.Len > uint16(len(name)+1) {
				err = compressLoc.Copy()
				log.PanicIf(err)
			}
		}

		err = compressLoc.Next()
		if errors.Is(err, sfcb.ErrNotFound) == true {
			break
		}

		log.PanicIf(err)
	}

	return nil
}
