package transport

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ssd-technologies/swarmdrop/internal/registry"
)

const (
	maxFrameSize = 1 << 20 // chunk payload plus envelope overhead
	hkdfInfo     = "swarmdrop-peer-transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peerLink wraps a websocket connection with its session ciphers. Writes are
// serialized per connection; each direction has its own key and counter nonce,
// so a peer cannot reflect our own frames back at us.
type peerLink struct {
	conn *websocket.Conn

	wmu      sync.Mutex // guards enc, encNonce, and writes
	enc      cipher.AEAD
	encNonce []byte

	dec      cipher.AEAD
	decNonce []byte
}

// incrementNonce bumps the counter nonce in little-endian order. Each frame
// must use a fresh nonce.
func incrementNonce(nonce []byte) {
	for i := 0; i < len(nonce); i++ {
		nonce[i]++
		if nonce[i] != 0 {
			break
		}
	}
}

func (l *peerLink) writeFrame(f *Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()
	sealed := l.enc.Seal(nil, l.encNonce, raw, nil)
	incrementNonce(l.encNonce)
	return l.conn.WriteMessage(websocket.BinaryMessage, sealed)
}

// readFrame reads and opens the next sealed frame. An authentication failure
// means tampering; the caller must drop the link.
func (l *peerLink) readFrame() (*Frame, error) {
	typ, sealed, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected message type %d", typ)
	}

	raw, err := l.dec.Open(nil, l.decNonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	incrementNonce(l.decNonce)

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// Transport manages encrypted WebSocket links to other devices. Each link
// runs a read-loop goroutine that opens frames and hands them to a registered
// handler along with the remote device's identity.
type Transport struct {
	self registry.DeviceKey

	mu       sync.RWMutex
	links    map[registry.DeviceKey]*peerLink
	handler  func(*Frame, registry.DeviceKey)
	listener net.Listener
	server   *http.Server
}

// New creates a Transport for the given local device. Session keys are
// ephemeral per link; the device holds no long-term transport identity key.
func New(principal, device string) *Transport {
	return &Transport{
		self:  registry.DeviceKey{Principal: principal, Device: device},
		links: make(map[registry.DeviceKey]*peerLink),
	}
}

// Listen starts accepting inbound peer links on addr. Use port 0 for a
// random port; Addr reports the bound address for relaying to peers.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/data", t.handleWS)

	t.server = &http.Server{Handler: mux}
	go t.server.Serve(ln) //nolint:errcheck
	return nil
}

// Addr returns the listener's bound address, or "" when not listening.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	link, peer, err := t.handshake(conn, false)
	if err != nil {
		conn.Close()
		return
	}

	t.register(peer, link)
	go t.readLoop(link, peer)
}

// Connect dials a remote device's data endpoint and performs the handshake.
// The remote must identify as expect or the link is rejected.
func (t *Transport) Connect(addr string, expect registry.DeviceKey) error {
	url := fmt.Sprintf("ws://%s/data", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetReadLimit(maxFrameSize)

	link, peer, err := t.handshake(conn, true)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	if peer != expect {
		conn.Close()
		return fmt.Errorf("peer identified as %s, expected %s", peer, expect)
	}

	t.register(peer, link)
	go t.readLoop(link, peer)
	return nil
}

// handshake exchanges cleartext hellos carrying ephemeral X25519 public keys,
// then derives directional session keys with HKDF. The dialer writes first so
// neither side blocks waiting for the other.
func (t *Transport) handshake(conn *websocket.Conn, outbound bool) (*peerLink, registry.DeviceKey, error) {
	var none registry.DeviceKey

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, none, fmt.Errorf("generate session key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, none, fmt.Errorf("derive public key: %w", err)
	}

	ours := hello{Principal: t.self.Principal, Device: t.self.Device, PublicKey: pub}
	var theirs hello

	if outbound {
		if err := conn.WriteJSON(ours); err != nil {
			return nil, none, fmt.Errorf("send hello: %w", err)
		}
		if err := conn.ReadJSON(&theirs); err != nil {
			return nil, none, fmt.Errorf("read hello: %w", err)
		}
	} else {
		if err := conn.ReadJSON(&theirs); err != nil {
			return nil, none, fmt.Errorf("read hello: %w", err)
		}
		if err := conn.WriteJSON(ours); err != nil {
			return nil, none, fmt.Errorf("send hello: %w", err)
		}
	}
	if theirs.Principal == "" || theirs.Device == "" || len(theirs.PublicKey) != 32 {
		return nil, none, fmt.Errorf("malformed hello")
	}

	shared, err := curve25519.X25519(priv[:], theirs.PublicKey)
	if err != nil {
		return nil, none, fmt.Errorf("compute shared secret: %w", err)
	}

	// Separate keys per direction. The dialer writes with the first half and
	// reads with the second; the acceptor mirrors it.
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)), keys); err != nil {
		return nil, none, fmt.Errorf("derive session keys: %w", err)
	}
	writeKey, readKey := keys[:32], keys[32:]
	if !outbound {
		writeKey, readKey = readKey, writeKey
	}

	enc, err := chacha20poly1305.New(writeKey)
	if err != nil {
		return nil, none, err
	}
	dec, err := chacha20poly1305.New(readKey)
	if err != nil {
		return nil, none, err
	}

	link := &peerLink{
		conn:     conn,
		enc:      enc,
		encNonce: make([]byte, chacha20poly1305.NonceSize),
		dec:      dec,
		decNonce: make([]byte, chacha20poly1305.NonceSize),
	}
	return link, registry.DeviceKey{Principal: theirs.Principal, Device: theirs.Device}, nil
}

func (t *Transport) register(peer registry.DeviceKey, link *peerLink) {
	t.mu.Lock()
	if old, ok := t.links[peer]; ok {
		old.conn.Close()
	}
	t.links[peer] = link
	t.mu.Unlock()
}

func (t *Transport) readLoop(link *peerLink, peer registry.DeviceKey) {
	defer func() {
		link.conn.Close()
		t.mu.Lock()
		if existing, ok := t.links[peer]; ok && existing == link {
			delete(t.links, peer)
		}
		t.mu.Unlock()
	}()

	for {
		frame, err := link.readFrame()
		if err != nil {
			return
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(frame, peer)
		}
	}
}

// Send seals and sends a frame to the given device. Safe for concurrent use.
func (t *Transport) Send(peer registry.DeviceKey, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}

	t.mu.RLock()
	link, ok := t.links[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("not connected to %s", peer)
	}

	if err := link.writeFrame(&Frame{Type: typ, Payload: raw}); err != nil {
		return fmt.Errorf("send %s to %s: %w", typ, peer, err)
	}
	return nil
}

// Connected reports whether a live link to the device exists.
func (t *Transport) Connected(peer registry.DeviceKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.links[peer]
	return ok
}

// Peers returns the devices with live links.
func (t *Transport) Peers() []registry.DeviceKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]registry.DeviceKey, 0, len(t.links))
	for key := range t.links {
		peers = append(peers, key)
	}
	return peers
}

// OnFrame registers the handler invoked for every inbound frame. It runs on
// the link's read goroutine and must not block for long.
func (t *Transport) OnFrame(handler func(*Frame, registry.DeviceKey)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Disconnect closes the link to one device.
func (t *Transport) Disconnect(peer registry.DeviceKey) {
	t.mu.Lock()
	link, ok := t.links[peer]
	if ok {
		delete(t.links, peer)
	}
	t.mu.Unlock()
	if ok {
		link.conn.Close()
	}
}

// Close shuts down the listener and all links.
func (t *Transport) Close() {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		t.server.Shutdown(ctx) //nolint:errcheck
	}

	t.mu.Lock()
	for key, link := range t.links {
		link.conn.Close()
		delete(t.links, key)
	}
	t.mu.Unlock()
}
