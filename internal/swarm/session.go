// Package swarm runs chunk transfer sessions: a download session pulls
// chunks from multiple seeders rarest-first, drains its request pipeline,
// assembles and verifies the file; an uploader serves chunk requests under
// an upload-slot bound with access revalidated per request.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/swarmdrop/internal/bitset"
	"github.com/ssd-technologies/swarmdrop/internal/crypto"
	"github.com/ssd-technologies/swarmdrop/internal/parity"
	"github.com/ssd-technologies/swarmdrop/internal/registry"
	"github.com/ssd-technologies/swarmdrop/internal/signal"
)

// Phase is a download session's lifecycle state. Transitions only move
// forward except draining, which falls back to downloading when coverage is
// lost.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseDraining    Phase = "draining"
	PhaseAssembling  Phase = "assembling"
	PhaseVerifying   Phase = "verifying"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

var (
	// ErrDrainTimeout means in-flight requests never completed within the
	// drain window. Received chunks are retained; the download is retryable.
	ErrDrainTimeout = errors.New("drain timed out before all chunks arrived")
	// ErrIntegrityFailure means the assembled file did not match the
	// canonical checksum and parity repair could not recover it.
	ErrIntegrityFailure = errors.New("assembled file failed integrity verification")
	// ErrCancelled means the download was cancelled. Chunks are retained so
	// a later session resumes from them.
	ErrCancelled = errors.New("download cancelled")
)

const maxStaleRounds = 3

// Store is the slice of the chunk store a session needs.
type Store interface {
	Put(c *crypto.EncryptedChunk) (bool, error)
	Get(fileID string, index int) (*crypto.EncryptedChunk, error)
	Indexes(fileID string) ([]int, error)
	GetParity(fileID string, index int) ([]byte, error)
}

// FetchFunc sends a chunk request to a peer. The chunk itself arrives later
// through DeliverChunk.
type FetchFunc func(peer registry.DeviceKey, fileID string, index int) error

// Config describes the file being downloaded and the session's tuning.
type Config struct {
	FileID     string
	FileSize   int64
	ChunkSize  int
	ChunkCount int
	Checksum   string
	FileKey    []byte

	PipelineDepth  int
	DrainTimeout   time.Duration
	TickEvery      time.Duration
	RequestTimeout time.Duration
	ParityChunks   int
}

func (c *Config) applyDefaults() {
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 4
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.TickEvery == 0 {
		c.TickEvery = 100 * time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

type chunkEvent struct {
	from  registry.DeviceKey
	index int
	chunk *crypto.EncryptedChunk
	code  string
}

type availEvent struct {
	from        registry.DeviceKey
	chunks      []int
	uploadSlots int
}

// Session is one download of one file. A single event-loop goroutine owns
// all scheduling decisions; DeliverChunk and UpdateAvailability feed it from
// transport read goroutines.
type Session struct {
	cfg   Config
	store Store
	fetch FetchFunc

	chunkCh chan chunkEvent
	availCh chan availEvent
	done    chan struct{}

	mu       sync.Mutex
	phase    Phase
	err      error
	have     *bitset.Set
	inflight map[int]inflightReq
	peers    map[registry.DeviceKey]*peerState
	result   []byte
}

// NewSession prepares a download. Chunks already in the store count as held,
// so an interrupted download resumes instead of re-fetching.
func NewSession(cfg Config, store Store, fetch FetchFunc) (*Session, error) {
	cfg.applyDefaults()
	if cfg.ChunkCount <= 0 || cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid session config: chunkCount=%d chunkSize=%d", cfg.ChunkCount, cfg.ChunkSize)
	}

	held, err := store.Indexes(cfg.FileID)
	if err != nil {
		return nil, fmt.Errorf("scan stored chunks: %w", err)
	}

	return &Session{
		cfg:      cfg,
		store:    store,
		fetch:    fetch,
		chunkCh:  make(chan chunkEvent, 256),
		availCh:  make(chan availEvent, 64),
		done:     make(chan struct{}),
		phase:    PhaseDownloading,
		have:     bitset.FromIndexes(cfg.ChunkCount, held),
		inflight: make(map[int]inflightReq),
		peers:    make(map[registry.DeviceKey]*peerState),
	}, nil
}

// Start launches the event loop. Cancelling ctx fails the session; chunks
// already stored stay on disk.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
}

// Wait blocks until the session finishes and returns the assembled,
// verified plaintext.
func (s *Session) Wait() ([]byte, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// Phase returns the session's current lifecycle state.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Progress returns held and total chunk counts.
func (s *Session) Progress() (held, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Count(), s.cfg.ChunkCount
}

// HeldChunks returns the indexes currently stored, for coordinator updates.
func (s *Session) HeldChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Indexes()
}

// DeliverChunk feeds a chunk response from a peer into the session. code is
// the refusal code when the peer did not serve the chunk. Chunks arriving
// once assembly has begun are discarded.
func (s *Session) DeliverChunk(from registry.DeviceKey, index int, chunk *crypto.EncryptedChunk, code string) {
	switch s.Phase() {
	case PhaseAssembling, PhaseVerifying, PhaseComplete, PhaseFailed:
		if code == "" {
			log.Printf("[swarm] %s: chunk %d from %s arrived after scheduling ended, discarded", s.cfg.FileID, index, from)
		}
		return
	}
	select {
	case s.chunkCh <- chunkEvent{from: from, index: index, chunk: chunk, code: code}:
	case <-s.done:
	}
}

// UpdateAvailability records which chunks a peer holds. New peers join the
// swarm here; repeated updates replace the peer's bitmap.
func (s *Session) UpdateAvailability(from registry.DeviceKey, chunks []int, uploadSlots int) {
	select {
	case s.availCh <- availEvent{from: from, chunks: chunks, uploadSlots: uploadSlots}:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickEvery)
	defer ticker.Stop()

	var drainDeadline time.Time

	for {
		select {
		case <-ctx.Done():
			s.fail(ErrCancelled)
			return
		case ev := <-s.chunkCh:
			s.handleChunk(ev)
		case ev := <-s.availCh:
			s.handleAvailability(ev)
		case <-ticker.C:
			s.expireStale()
			s.issueRequests()
		}

		s.mu.Lock()
		full := s.have.Full()
		covered := s.have.Count()+len(s.inflight) >= s.cfg.ChunkCount
		phase := s.phase
		s.mu.Unlock()

		if full {
			break
		}

		// Draining starts once held plus in-flight covers every index, and
		// falls back when an in-flight request expires out from under it.
		switch phase {
		case PhaseDownloading:
			if covered {
				s.setPhase(PhaseDraining)
				drainDeadline = time.Now().Add(s.cfg.DrainTimeout)
			}
		case PhaseDraining:
			if !covered {
				s.setPhase(PhaseDownloading)
			} else if time.Now().After(drainDeadline) {
				s.mu.Lock()
				missing := s.have.Missing()
				s.mu.Unlock()
				s.fail(fmt.Errorf("%w: %d chunks outstanding %v", ErrDrainTimeout, len(missing), missing))
				return
			}
		}
	}

	s.assemble()
}

func (s *Session) handleChunk(ev chunkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.peers[ev.from]
	if req, ok := s.inflight[ev.index]; ok && req.peer == ev.from {
		delete(s.inflight, ev.index)
		if ps != nil && ps.activeRequests > 0 {
			ps.activeRequests--
		}
	}

	if ev.code != "" {
		// A refusal to serve means our access was revoked from that peer's
		// point of view; stop scheduling against it. A miss just corrects
		// its availability bitmap.
		if ps != nil {
			if ev.code == signal.CodeAccessDenied {
				ps.excluded = true
			} else {
				ps.chunks = clearIndex(ps.chunks, ev.index)
			}
		}
		return
	}
	if ev.chunk == nil || s.have.Has(ev.index) {
		return
	}

	if _, err := s.store.Put(ev.chunk); err != nil {
		log.Printf("[swarm] store chunk %d of %s: %v", ev.index, s.cfg.FileID, err)
		return
	}
	s.have.Set(ev.index)
	if ps != nil {
		ps.lastProgress = time.Now()
		ps.staleRounds = 0
	}
}

func clearIndex(set *bitset.Set, index int) *bitset.Set {
	out := bitset.New(set.Len())
	for _, i := range set.Indexes() {
		if i != index {
			out.Set(i)
		}
	}
	return out
}

func (s *Session) handleAvailability(ev availEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[ev.from]
	if !ok {
		ps = &peerState{lastProgress: time.Now()}
		s.peers[ev.from] = ps
	}
	ps.chunks = bitset.FromIndexes(s.cfg.ChunkCount, ev.chunks)
	if ev.uploadSlots > 0 {
		ps.uploadSlots = ev.uploadSlots
	}
}

// expireStale requeues requests the peer never answered. A peer that keeps
// timing out is excluded from further scheduling.
func (s *Session) expireStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for idx, req := range s.inflight {
		if now.Sub(req.sentAt) < s.cfg.RequestTimeout {
			continue
		}
		delete(s.inflight, idx)
		if ps := s.peers[req.peer]; ps != nil {
			if ps.activeRequests > 0 {
				ps.activeRequests--
			}
			ps.staleRounds++
			if ps.staleRounds >= maxStaleRounds {
				ps.excluded = true
			}
		}
	}
}

func (s *Session) issueRequests() {
	s.mu.Lock()
	assignments := rarestFirst(s.have, s.inflight, s.peers, s.cfg.PipelineDepth)
	now := time.Now()
	for _, a := range assignments {
		s.inflight[a.index] = inflightReq{peer: a.peer, sentAt: now}
		s.peers[a.peer].activeRequests++
	}
	s.mu.Unlock()

	for _, a := range assignments {
		if err := s.fetch(a.peer, s.cfg.FileID, a.index); err != nil {
			log.Printf("[swarm] request chunk %d from %s: %v", a.index, a.peer, err)
			s.mu.Lock()
			delete(s.inflight, a.index)
			if ps := s.peers[a.peer]; ps != nil {
				if ps.activeRequests > 0 {
					ps.activeRequests--
				}
				ps.excluded = true
			}
			s.mu.Unlock()
		}
	}
}

// assemble decrypts every chunk in order, repairs corrupted chunks from
// parity when possible, and verifies the whole-file checksum before
// declaring the download complete.
func (s *Session) assemble() {
	s.setPhase(PhaseAssembling)

	chunks := make([][]byte, s.cfg.ChunkCount)
	var corrupted []int
	for i := 0; i < s.cfg.ChunkCount; i++ {
		ec, err := s.store.Get(s.cfg.FileID, i)
		if err != nil {
			corrupted = append(corrupted, i)
			continue
		}
		plain, err := crypto.DecryptChunk(s.cfg.FileKey, ec)
		if err != nil || !crypto.ChecksumEqual(crypto.HashBytes(plain), ec.PlaintextHash) {
			corrupted = append(corrupted, i)
			continue
		}
		chunks[i] = plain
	}

	if len(corrupted) > 0 {
		log.Printf("[swarm] %s: repairing %d corrupted chunks %v", s.cfg.FileID, len(corrupted), corrupted)
		if err := s.repair(chunks); err != nil {
			s.fail(fmt.Errorf("%w: chunks %v unrecoverable: %v", ErrIntegrityFailure, corrupted, err))
			return
		}
	}

	s.setPhase(PhaseVerifying)
	verifier := crypto.NewVerifier()
	out := make([]byte, 0, s.cfg.FileSize)
	for i, c := range chunks {
		want := s.chunkLen(i)
		if len(c) > want {
			c = c[:want] // repaired chunks come back padded
		}
		verifier.Write(c) //nolint:errcheck
		out = append(out, c...)
	}
	if !crypto.ChecksumEqual(verifier.Sum(), s.cfg.Checksum) {
		s.fail(ErrIntegrityFailure)
		return
	}

	s.mu.Lock()
	s.result = out
	s.phase = PhaseComplete
	s.mu.Unlock()
}

func (s *Session) repair(chunks [][]byte) error {
	if s.cfg.ParityChunks <= 0 {
		return errors.New("no parity configured")
	}
	par := make([][]byte, s.cfg.ParityChunks)
	found := 0
	for i := range par {
		p, err := s.store.GetParity(s.cfg.FileID, i)
		if err != nil {
			continue
		}
		par[i] = p
		found++
	}
	if found == 0 {
		return errors.New("no parity chunks stored")
	}
	return parity.Repair(chunks, par, s.cfg.ChunkSize)
}

func (s *Session) chunkLen(index int) int {
	if index == s.cfg.ChunkCount-1 {
		return int(s.cfg.FileSize) - (s.cfg.ChunkCount-1)*s.cfg.ChunkSize
	}
	return s.cfg.ChunkSize
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.phase = PhaseFailed
	s.err = err
	s.mu.Unlock()
}
