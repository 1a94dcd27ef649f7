package revmap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// PackStore persists serialized reverse-map packs keyed by vsid.
type PackStore interface {
	StorePack(vsid layout.StripeID, buf []byte) (err error)
	LoadPack(vsid layout.StripeID) (buf []byte, err error)
}

// MemPackStore keeps packs in memory.
type MemPackStore struct {
	mutex trackedlock.Mutex
	packs map[layout.StripeID][]byte
}

func NewMemPackStore() (store *MemPackStore) {
	store = &MemPackStore{
		packs: make(map[layout.StripeID][]byte),
	}
	return
}

func (store *MemPackStore) StorePack(vsid layout.StripeID, buf []byte) (err error) {
	bufCopy := make([]byte, len(buf))
	copy(bufCopy, buf)
	store.mutex.Lock()
	store.packs[vsid] = bufCopy
	store.mutex.Unlock()
	err = nil
	return
}

func (store *MemPackStore) LoadPack(vsid layout.StripeID) (buf []byte, err error) {
	store.mutex.Lock()
	buf, ok := store.packs[vsid]
	store.mutex.Unlock()
	if !ok {
		err = fmt.Errorf("revmap: no pack stored for vsid %v", vsid)
		return
	}
	err = nil
	return
}

// FilePackStore writes each pack to its own file under dir.
type FilePackStore struct {
	dir string
}

func NewFilePackStore(dir string) (store *FilePackStore) {
	store = &FilePackStore{dir: dir}
	return
}

func (store *FilePackStore) packPath(vsid layout.StripeID) (path string) {
	path = filepath.Join(store.dir, fmt.Sprintf("revmap_%08X", uint32(vsid)))
	return
}

func (store *FilePackStore) StorePack(vsid layout.StripeID, buf []byte) (err error) {
	err = os.WriteFile(store.packPath(vsid), buf, 0644)
	return
}

func (store *FilePackStore) LoadPack(vsid layout.StripeID) (buf []byte, err error) {
	buf, err = os.ReadFile(store.packPath(vsid))
	return
}
