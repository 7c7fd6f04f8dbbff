// Package node is the peer daemon: it owns the local stores, the signaling
// client, and the data-plane transport, and orchestrates sharing, seeding,
// and downloading on top of them.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/swarmdrop/internal/chunkstore"
	"github.com/ssd-technologies/swarmdrop/internal/config"
	"github.com/ssd-technologies/swarmdrop/internal/crypto"
	"github.com/ssd-technologies/swarmdrop/internal/notify"
	"github.com/ssd-technologies/swarmdrop/internal/parity"
	"github.com/ssd-technologies/swarmdrop/internal/registry"
	"github.com/ssd-technologies/swarmdrop/internal/signal"
	"github.com/ssd-technologies/swarmdrop/internal/storage"
	"github.com/ssd-technologies/swarmdrop/internal/swarm"
	"github.com/ssd-technologies/swarmdrop/internal/transport"
)

// dialOffer is the relay body a downloader sends to invite a seeder onto its
// data endpoint.
type dialOffer struct {
	Addr string `json:"addr"`
}

// Node is one device participating in swarms.
type Node struct {
	cfg       *config.Peer
	principal string
	device    string

	sig    *signal.Client
	tr     *transport.Transport
	chunks *chunkstore.Store
	db     *storage.DB
	up     *swarm.Uploader

	mu            sync.Mutex
	sessions      map[string]*swarm.Session
	filePeers     map[string]map[registry.DeviceKey]struct{}
	uploadReports map[string]time.Time

	closeOnce sync.Once
}

// New opens the local stores, starts the data-plane listener, connects to
// the coordinator, and re-announces everything this device already seeds.
func New(cfg *config.Peer, principal, device string) (*Node, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "swarmdrop-"+device)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	chunks, err := chunkstore.Open(filepath.Join(cfg.DataDir, "chunks"))
	if err != nil {
		return nil, err
	}
	db, err := storage.NewDB(filepath.Join(cfg.DataDir, "meta.db"))
	if err != nil {
		chunks.Close()
		return nil, err
	}

	n := &Node{
		cfg:           cfg,
		principal:     principal,
		device:        device,
		chunks:        chunks,
		db:            db,
		sessions:      make(map[string]*swarm.Session),
		filePeers:     make(map[string]map[registry.DeviceKey]struct{}),
		uploadReports: make(map[string]time.Time),
	}
	n.up = swarm.NewUploader(chunks, n.authorize, cfg.UploadSlots)

	n.tr = transport.New(principal, device)
	if err := n.tr.Listen(cfg.ListenAddr); err != nil {
		n.closeStores()
		return nil, err
	}
	n.tr.OnFrame(n.handleFrame)

	n.sig, err = signal.Dial(cfg.CoordinatorURL, principal, device, n.handlePush)
	if err != nil {
		n.tr.Close()
		n.closeStores()
		return nil, err
	}
	n.up.OnActive(n.reportUploadActivity)

	n.reannounce()
	return n, nil
}

// Close tears everything down. Stored chunks and metadata survive for the
// next start. Safe to call more than once.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.sig.Close() //nolint:errcheck
		n.tr.Close()
		n.closeStores()
	})
}

func (n *Node) closeStores() {
	n.chunks.Close() //nolint:errcheck
	n.db.Close()     //nolint:errcheck
}

// Share encrypts and stores a file, announces it to the coordinator, and
// returns the key envelope to hand to recipients over the secure messaging
// channel. The file key rides inside that channel; the coordinator never
// sees it.
func (n *Node) Share(data []byte, fileName, mimeType string, shareWith []string) (*notify.KeyEnvelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("share: empty file")
	}

	fileID := uuid.New().String()
	key, err := crypto.GenerateFileKey()
	if err != nil {
		return nil, err
	}

	chunkSize := n.cfg.ChunkSize
	chunkCount := (len(data) + chunkSize - 1) / chunkSize

	plainChunks := make([][]byte, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		plain := data[start:end]
		plainChunks = append(plainChunks, plain)

		ec, err := crypto.EncryptChunk(key, fileID, i, plain)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk %d: %w", i, err)
		}
		if _, err := n.chunks.Put(ec); err != nil {
			return nil, fmt.Errorf("store chunk %d: %w", i, err)
		}
	}

	if err := n.storeParity(fileID, plainChunks); err != nil {
		log.Printf("[node] parity for %s unavailable: %v", fileID, err)
	}

	checksum := crypto.HashBytes(data)
	if err := n.persistFile(fileID, storage.StatusSeeding, checksum, chunkCount, chunkSize, int64(len(data)), shareWith, key); err != nil {
		return nil, err
	}

	all := make([]int, chunkCount)
	for i := range all {
		all[i] = i
	}
	info, err := n.sig.Announce(signal.AnnouncePayload{
		FileID:      fileID,
		FileSize:    int64(len(data)),
		ChunkSize:   chunkSize,
		ChunkCount:  chunkCount,
		Checksum:    checksum,
		Chunks:      all,
		ShareWith:   shareWith,
		UploadSlots: n.cfg.UploadSlots,
	})
	if err != nil {
		return nil, fmt.Errorf("announce %s: %w", fileID, err)
	}
	// Cache the authoritative membership, creator included.
	if err := n.db.SetSharedWith(fileID, info.SharedWith); err != nil {
		log.Printf("[node] cache shared_with for %s: %v", fileID, err)
	}

	return notify.NewKeyEnvelope(fileID, fileName, mimeType, int64(len(data)), chunkCount, checksum, key, n.principal), nil
}

func (n *Node) storeParity(fileID string, plainChunks [][]byte) error {
	if n.cfg.ParityChunks <= 0 {
		return nil
	}
	par, err := parity.Build(plainChunks, n.cfg.ChunkSize, n.cfg.ParityChunks)
	if err != nil {
		return err
	}
	for i, p := range par {
		if err := n.chunks.PutParity(fileID, i, p); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) persistFile(fileID string, status storage.FileStatus, checksum string, chunkCount, chunkSize int, size int64, sharedWith []string, key []byte) error {
	sealed, salt, nonce, err := crypto.SealFileKey(key, n.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("seal file key: %w", err)
	}
	if err := n.db.SaveFileKey(&storage.SealedKey{FileID: fileID, Blob: sealed, Salt: salt, Nonce: nonce}); err != nil {
		return err
	}
	return n.db.UpsertFileMeta(&storage.FileMeta{
		FileID:     fileID,
		Status:     status,
		Checksum:   checksum,
		ChunkCount: chunkCount,
		ChunkSize:  chunkSize,
		FileSize:   size,
		SharedWith: sharedWith,
	})
}

// Download fetches a file described by an envelope, verifies it, and turns
// this device into a seeder for it. The envelope's checksum is cross-checked
// against the coordinator's canonical value before any chunk is trusted.
func (n *Node) Download(ctx context.Context, env *notify.KeyEnvelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	info, err := n.sig.GetInfo(env.FileID)
	if err != nil {
		return nil, fmt.Errorf("get info for %s: %w", env.FileID, err)
	}
	if !crypto.ChecksumEqual(info.Checksum, env.Checksum) {
		return nil, fmt.Errorf("envelope checksum does not match canonical checksum for %s", env.FileID)
	}
	if info.ChunkCount != env.ChunkCount {
		return nil, fmt.Errorf("envelope chunk count %d does not match canonical %d", env.ChunkCount, info.ChunkCount)
	}

	if err := n.db.UpsertFileMeta(&storage.FileMeta{
		FileID:     env.FileID,
		Status:     storage.StatusDownloading,
		Checksum:   info.Checksum,
		ChunkCount: info.ChunkCount,
		ChunkSize:  info.ChunkSize,
		FileSize:   info.FileSize,
		SharedWith: info.SharedWith,
	}); err != nil {
		return nil, err
	}

	sess, err := swarm.NewSession(swarm.Config{
		FileID:         env.FileID,
		FileSize:       info.FileSize,
		ChunkSize:      info.ChunkSize,
		ChunkCount:     info.ChunkCount,
		Checksum:       info.Checksum,
		FileKey:        env.EncryptedFileKey,
		PipelineDepth:  n.cfg.PipelineDepth,
		DrainTimeout:   n.cfg.DrainTimeout,
		TickEvery:      n.cfg.DrainPoll,
		RequestTimeout: n.cfg.RequestTimeout,
		ParityChunks:   n.cfg.ParityChunks,
	}, n.chunks, n.requestChunk)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if _, ok := n.sessions[env.FileID]; ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("download of %s already in progress", env.FileID)
	}
	n.sessions[env.FileID] = sess
	n.mu.Unlock()
	defer n.releaseSession(env.FileID)

	sess.Start(ctx)
	n.inviteSeeders(env.FileID)
	go n.reportProgress(env.FileID, sess)

	data, err := sess.Wait()
	if err != nil {
		n.db.SetFileStatus(env.FileID, storage.StatusPartial) //nolint:errcheck
		return nil, err
	}

	// Verified download: become a seeder and keep the key at rest.
	if perr := n.persistFile(env.FileID, storage.StatusComplete, info.Checksum, info.ChunkCount, info.ChunkSize, info.FileSize, info.SharedWith, env.EncryptedFileKey); perr != nil {
		log.Printf("[node] persist %s: %v", env.FileID, perr)
	}
	if perr := n.storeParity(env.FileID, splitChunks(data, info.ChunkSize)); perr != nil {
		log.Printf("[node] parity for %s unavailable: %v", env.FileID, perr)
	}

	all := make([]int, info.ChunkCount)
	for i := range all {
		all[i] = i
	}
	if _, aerr := n.sig.Announce(signal.AnnouncePayload{
		FileID:      env.FileID,
		FileSize:    info.FileSize,
		ChunkSize:   info.ChunkSize,
		ChunkCount:  info.ChunkCount,
		Checksum:    info.Checksum,
		Chunks:      all,
		UploadSlots: n.cfg.UploadSlots,
	}); aerr != nil {
		log.Printf("[node] announce after download of %s: %v", env.FileID, aerr)
	}

	return data, nil
}

// releaseSession forgets the session and closes the transport links opened
// for the transfer. Links another active session is still using stay up.
func (n *Node) releaseSession(fileID string) {
	n.mu.Lock()
	delete(n.sessions, fileID)
	peers := n.filePeers[fileID]
	delete(n.filePeers, fileID)
	inUse := make(map[registry.DeviceKey]bool)
	for _, set := range n.filePeers {
		for p := range set {
			inUse[p] = true
		}
	}
	n.mu.Unlock()

	for p := range peers {
		if !inUse[p] {
			n.tr.Disconnect(p)
		}
	}
}

// notePeer records that a peer carries traffic for the file, so the link can
// be closed when the session ends.
func (n *Node) notePeer(fileID string, peer registry.DeviceKey) {
	n.mu.Lock()
	set, ok := n.filePeers[fileID]
	if !ok {
		set = make(map[registry.DeviceKey]struct{})
		n.filePeers[fileID] = set
	}
	set[peer] = struct{}{}
	n.mu.Unlock()
}

func splitChunks(data []byte, chunkSize int) [][]byte {
	var out [][]byte
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[start:end])
	}
	return out
}

// inviteSeeders asks every current seeder to dial our data endpoint. Each one
// answers with an availability frame once the link is up.
func (n *Node) inviteSeeders(fileID string) {
	if n.session(fileID) == nil {
		return
	}
	seeders, err := n.sig.ListSeeders(fileID)
	if err != nil {
		log.Printf("[node] list seeders for %s: %v", fileID, err)
		return
	}

	for _, s := range seeders {
		if n.session(fileID) == nil {
			return
		}
		if s.Principal == n.principal && s.Device == n.device {
			continue
		}
		peer := registry.DeviceKey{Principal: s.Principal, Device: s.Device}
		if n.tr.Connected(peer) {
			continue
		}
		err := n.sig.Relay(signal.RelayOffer, fileID, s.Principal, s.Device, dialOffer{Addr: n.tr.Addr()})
		if err != nil {
			log.Printf("[node] offer to %s: %v", peer, err)
		}
	}
}

// reportProgress periodically tells the coordinator which chunks this device
// holds while a download is running, so other swarm members can schedule
// against us before we finish.
func (n *Node) reportProgress(fileID string, sess *swarm.Session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := -1
	for {
		<-ticker.C
		switch sess.Phase() {
		case swarm.PhaseComplete, swarm.PhaseFailed:
			return
		}
		held, _ := sess.Progress()
		if held == last {
			continue
		}
		last = held
		if err := n.sig.UpdateChunks(fileID, sess.HeldChunks(), n.up.Active(fileID)); err != nil {
			log.Printf("[node] update chunks for %s: %v", fileID, err)
			return
		}
	}
}

// ShareWith authorizes more principals on a file this device participates in.
func (n *Node) ShareWith(fileID string, targets []string) error {
	if err := n.sig.ShareUpdate(fileID, "add", targets); err != nil {
		return err
	}
	n.refreshShareCache(fileID)
	return nil
}

// Revoke removes principals from a file's access list.
func (n *Node) Revoke(fileID string, targets []string) error {
	if err := n.sig.ShareUpdate(fileID, "revoke", targets); err != nil {
		return err
	}
	n.refreshShareCache(fileID)
	return nil
}

// refreshShareCache pulls the coordinator's current sharedWith list into the
// local metadata row, keeping the re-announce cache in step with mutations.
func (n *Node) refreshShareCache(fileID string) {
	info, err := n.sig.GetInfo(fileID)
	if err != nil {
		// Revoking ourself loses read access; nothing left to cache.
		return
	}
	if err := n.db.SetSharedWith(fileID, info.SharedWith); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[node] cache shared_with for %s: %v", fileID, err)
	}
}

// requestChunk is the session's fetch function.
func (n *Node) requestChunk(peer registry.DeviceKey, fileID string, index int) error {
	n.notePeer(fileID, peer)
	return n.tr.Send(peer, transport.FrameChunkRequest, transport.ChunkRequestPayload{FileID: fileID, Index: index})
}

// reportUploadActivity tells the coordinator how busy this seeder is. Busy
// reports are throttled per file; idle transitions always go out so the
// roster settles.
func (n *Node) reportUploadActivity(fileID string, active int) {
	n.mu.Lock()
	now := time.Now()
	if active > 0 && now.Sub(n.uploadReports[fileID]) < time.Second {
		n.mu.Unlock()
		return
	}
	n.uploadReports[fileID] = now
	n.mu.Unlock()

	held, err := n.chunks.Indexes(fileID)
	if err != nil {
		return
	}
	if err := n.sig.UpdateChunks(fileID, held, active); err != nil {
		log.Printf("[node] report upload activity for %s: %v", fileID, err)
	}
}

// authorize answers upload requests by revalidating membership against the
// coordinator, so a revocation takes effect on the next chunk request.
func (n *Node) authorize(principal, fileID string) bool {
	info, err := n.sig.GetInfo(fileID)
	if err != nil {
		return false
	}
	for _, member := range info.SharedWith {
		if member == principal {
			return true
		}
	}
	return false
}

func (n *Node) session(fileID string) *swarm.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[fileID]
}

// handleFrame routes data-plane frames.
func (n *Node) handleFrame(f *transport.Frame, from registry.DeviceKey) {
	switch f.Type {
	case transport.FrameChunkRequest:
		var p transport.ChunkRequestPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		n.up.HandleRequest(from, p.FileID, p.Index, n.serveChunk)

	case transport.FrameChunkData:
		var p transport.ChunkDataPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		sess := n.session(p.FileID)
		if sess == nil {
			return
		}
		n.notePeer(p.FileID, from)
		var chunk *crypto.EncryptedChunk
		if p.Error == "" {
			chunk = &crypto.EncryptedChunk{
				FileID:        p.FileID,
				Index:         p.Index,
				IV:            p.IV,
				Ciphertext:    p.Ciphertext,
				PlaintextHash: p.PlaintextHash,
			}
		}
		sess.DeliverChunk(from, p.Index, chunk, p.Error)

	case transport.FrameAvailability:
		var p transport.AvailabilityPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		if sess := n.session(p.FileID); sess != nil {
			n.notePeer(p.FileID, from)
			sess.UpdateAvailability(from, p.Chunks, 0)
		}
	}
}

func (n *Node) serveChunk(peer registry.DeviceKey, fileID string, index int, chunk *crypto.EncryptedChunk, code string) {
	p := transport.ChunkDataPayload{FileID: fileID, Index: index, Error: code}
	if chunk != nil {
		p.IV = chunk.IV
		p.Ciphertext = chunk.Ciphertext
		p.PlaintextHash = chunk.PlaintextHash
	}
	if err := n.tr.Send(peer, transport.FrameChunkData, p); err != nil {
		log.Printf("[node] serve chunk %d of %s to %s: %v", index, fileID, peer, err)
	}
}

// handlePush routes coordinator pushes.
func (n *Node) handlePush(resp *signal.Response) {
	switch resp.Type {
	case signal.PushRelay:
		var p signal.RelayPayload
		if err := json.Unmarshal(resp.Payload, &p); err != nil {
			return
		}
		if p.Kind == signal.RelayOffer {
			go n.handleDialOffer(&p)
		}

	case signal.PushSeedersUpdate:
		var p signal.SeedersUpdatePayload
		if err := json.Unmarshal(resp.Payload, &p); err != nil {
			return
		}
		if n.session(p.FileID) != nil {
			go n.inviteSeeders(p.FileID)
		}

	case signal.PushFileAvailable:
		var p signal.FileAvailablePayload
		if err := json.Unmarshal(resp.Payload, &p); err != nil {
			return
		}
		log.Printf("[node] file %s available (%d chunks)", p.FileID, p.ChunkCount)
	}
}

// handleDialOffer connects back to a downloader and advertises which chunks
// we hold for the file it asked about.
func (n *Node) handleDialOffer(p *signal.RelayPayload) {
	var offer dialOffer
	if err := json.Unmarshal(p.Body, &offer); err != nil || offer.Addr == "" {
		return
	}
	from := registry.DeviceKey{Principal: p.FromPrincipal, Device: p.FromDevice}

	if !n.tr.Connected(from) {
		if err := n.tr.Connect(offer.Addr, from); err != nil {
			log.Printf("[node] dial %s at %s: %v", from, offer.Addr, err)
			return
		}
	}

	held, err := n.chunks.Indexes(p.FileID)
	if err != nil || len(held) == 0 {
		return
	}
	err = n.tr.Send(from, transport.FrameAvailability, transport.AvailabilityPayload{FileID: p.FileID, Chunks: held})
	if err != nil {
		log.Printf("[node] advertise %s to %s: %v", p.FileID, from, err)
	}
}

// reannounce restores the coordinator's view of this device after a restart
// or reconnect: full files are announced, partial ones report their bitmap.
func (n *Node) reannounce() {
	metas, err := n.db.ListFileMeta("")
	if err != nil {
		log.Printf("[node] list local files: %v", err)
		return
	}

	for _, m := range metas {
		held, err := n.chunks.Indexes(m.FileID)
		if err != nil {
			log.Printf("[node] scan chunks for %s: %v", m.FileID, err)
			continue
		}

		switch m.Status {
		case storage.StatusSeeding, storage.StatusComplete:
			// The cached sharedWith rides along so a coordinator that lost
			// the record rebuilds it with the full membership, not just us.
			if _, err := n.sig.Announce(signal.AnnouncePayload{
				FileID:      m.FileID,
				FileSize:    m.FileSize,
				ChunkSize:   m.ChunkSize,
				ChunkCount:  m.ChunkCount,
				Checksum:    m.Checksum,
				Chunks:      held,
				ShareWith:   m.SharedWith,
				UploadSlots: n.cfg.UploadSlots,
			}); err != nil {
				log.Printf("[node] re-announce %s: %v", m.FileID, err)
			}
		case storage.StatusPartial, storage.StatusDownloading:
			if len(held) == 0 {
				continue
			}
			if err := n.sig.UpdateChunks(m.FileID, held, 0); err != nil {
				log.Printf("[node] report partial %s: %v", m.FileID, err)
			}
		}
	}
}
