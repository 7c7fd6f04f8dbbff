package swarm

import (
	"errors"
	"log"
	"sync"

	"github.com/ssd-technologies/swarmdrop/internal/chunkstore"
	"github.com/ssd-technologies/swarmdrop/internal/crypto"
	"github.com/ssd-technologies/swarmdrop/internal/registry"
	"github.com/ssd-technologies/swarmdrop/internal/signal"
)

// AuthorizeFunc decides whether a principal may currently read a file. It is
// consulted on every request, so a revocation takes effect for the next
// chunk; an upload already in progress is allowed to finish.
type AuthorizeFunc func(principal, fileID string) bool

// ServeFunc delivers the outcome of one chunk request back to the requesting
// peer. chunk is nil when code is set.
type ServeFunc func(peer registry.DeviceKey, fileID string, index int, chunk *crypto.EncryptedChunk, code string)

// Uploader serves chunk requests from the local store. Concurrency is
// bounded by upload slots; requests beyond the bound queue on the slot
// channel rather than being refused.
type Uploader struct {
	store     Store
	authorize AuthorizeFunc
	slots     chan struct{}

	mu       sync.Mutex
	active   map[string]int
	onActive func(fileID string, active int)
}

// NewUploader creates an Uploader with the given number of upload slots.
func NewUploader(store Store, authorize AuthorizeFunc, slots int) *Uploader {
	if slots <= 0 {
		slots = 1
	}
	return &Uploader{
		store:     store,
		authorize: authorize,
		slots:     make(chan struct{}, slots),
		active:    make(map[string]int),
	}
}

// Slots returns the configured upload slot count.
func (u *Uploader) Slots() int { return cap(u.slots) }

// Active returns how many uploads for the file hold a slot right now.
func (u *Uploader) Active(fileID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active[fileID]
}

// OnActive registers a hook invoked with the file's slot-holding upload count
// whenever it changes. It runs on upload goroutines and must not block.
func (u *Uploader) OnActive(fn func(fileID string, active int)) {
	u.mu.Lock()
	u.onActive = fn
	u.mu.Unlock()
}

func (u *Uploader) track(fileID string, delta int) {
	u.mu.Lock()
	u.active[fileID] += delta
	n := u.active[fileID]
	if n <= 0 {
		delete(u.active, fileID)
		n = 0
	}
	fn := u.onActive
	u.mu.Unlock()
	if fn != nil {
		fn(fileID, n)
	}
}

// HandleRequest services one chunk request asynchronously and reports the
// result through serve.
func (u *Uploader) HandleRequest(peer registry.DeviceKey, fileID string, index int, serve ServeFunc) {
	go func() {
		u.slots <- struct{}{}
		u.track(fileID, 1)
		defer func() {
			u.track(fileID, -1)
			<-u.slots
		}()

		if !u.authorize(peer.Principal, fileID) {
			serve(peer, fileID, index, nil, signal.CodeAccessDenied)
			return
		}

		chunk, err := u.store.Get(fileID, index)
		if err != nil {
			if !errors.Is(err, chunkstore.ErrNotFound) {
				log.Printf("[swarm] read chunk %d of %s: %v", index, fileID, err)
			}
			serve(peer, fileID, index, nil, signal.CodeFileNotFound)
			return
		}
		serve(peer, fileID, index, chunk, "")
	}()
}
