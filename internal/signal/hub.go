package signal

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/swarmdrop/internal/ratelimit"
	"github.com/ssd-technologies/swarmdrop/internal/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// deviceConn wraps a websocket connection with a write mutex.
// gorilla/websocket connections do not support concurrent writers, so every
// write must be serialized per connection.
type deviceConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *deviceConn) write(resp *Response) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(resp)
}

// Hub terminates signaling connections, dispatches registry calls, relays
// transport negotiation opaquely, and pushes availability changes to
// authorized principals.
type Hub struct {
	reg    *registry.Registry
	limits *ratelimit.Keyed

	mu    sync.RWMutex
	conns map[registry.DeviceKey]*deviceConn
}

// NewHub creates a Hub over the given registry, rate-limiting each device to
// rate messages per window.
func NewHub(reg *registry.Registry, rate int, window time.Duration) *Hub {
	return &Hub{
		reg:    reg,
		limits: ratelimit.NewKeyed(rate, window),
		conns:  make(map[registry.DeviceKey]*deviceConn),
	}
}

// HandleWebSocket upgrades a device's signaling connection and services it
// until it closes.
func (h *Hub) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[signal] websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		dc := &deviceConn{conn: conn}

		// The first message must identify the device.
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != MsgHello {
			writeErr(dc, msg.ID, CodeBadRequest)
			return
		}
		var hello HelloPayload
		if err := json.Unmarshal(msg.Payload, &hello); err != nil || hello.Principal == "" || hello.Device == "" {
			writeErr(dc, msg.ID, CodeBadRequest)
			return
		}

		key := registry.DeviceKey{Principal: hello.Principal, Device: hello.Device}
		h.register(key, dc)
		defer h.unregister(key)

		if err := reply(dc, msg.ID, RespWelcome, map[string]string{"principal": key.Principal, "device": key.Device}); err != nil {
			return
		}

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[signal] read error from %s: %v", key, err)
				}
				return
			}

			if !h.limits.Allow(key.String()) {
				writeErr(dc, msg.ID, CodeRateLimited)
				continue
			}

			h.dispatch(key, dc, &msg)
		}
	}
}

func (h *Hub) register(key registry.DeviceKey, dc *deviceConn) {
	h.mu.Lock()
	h.conns[key] = dc
	h.mu.Unlock()
}

// unregister drops the connection and degrades the registry's view of the
// device. The FileRecords themselves survive; reconnect re-announces.
func (h *Hub) unregister(key registry.DeviceKey) {
	h.mu.Lock()
	delete(h.conns, key)
	h.mu.Unlock()
	h.limits.Forget(key.String())
	h.reg.OnDisconnect(key.Principal, key.Device)
}

func (h *Hub) dispatch(key registry.DeviceKey, dc *deviceConn, msg *Message) {
	switch msg.Type {
	case MsgAnnounce:
		h.handleAnnounce(key, dc, msg)
	case MsgUpdateChunks:
		h.handleUpdateChunks(key, dc, msg)
	case MsgGetInfo:
		h.handleGetInfo(key, dc, msg)
	case MsgListSeeders:
		h.handleListSeeders(key, dc, msg)
	case MsgShareUpdate:
		h.handleShareUpdate(key, dc, msg)
	case MsgRelay:
		h.handleRelay(key, dc, msg)
	default:
		writeErr(dc, msg.ID, CodeBadRequest)
	}
}

func (h *Hub) handleAnnounce(key registry.DeviceKey, dc *deviceConn, msg *Message) {
	var p AnnouncePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		writeErr(dc, msg.ID, CodeBadRequest)
		return
	}

	info, created, err := h.reg.Announce(registry.AnnounceRequest{
		Principal:   key.Principal,
		Device:      key.Device,
		FileID:      p.FileID,
		FileSize:    p.FileSize,
		ChunkSize:   p.ChunkSize,
		ChunkCount:  p.ChunkCount,
		Checksum:    p.Checksum,
		Chunks:      p.Chunks,
		ShareWith:   p.ShareWith,
		UploadSlots: p.UploadSlots,
	})
	if err != nil {
		writeErr(dc, msg.ID, codeFor(err))
		return
	}
	if err := reply(dc, msg.ID, RespFileInfo, info); err != nil {
		return
	}

	if created {
		h.pushToMembers(p.FileID, key, PushFileAvailable, FileAvailablePayload{
			FileID:     p.FileID,
			ChunkCount: info.ChunkCount,
			Checksum:   info.Checksum,
		})
	}
	if h.reg.Creator(p.FileID) == key.Principal {
		h.pushToMembers(p.FileID, key, PushUploaderOnline, UploaderOnlinePayload{FileID: p.FileID})
	}
	h.pushSeedersUpdate(p.FileID, key, info)
}

func (h *Hub) handleUpdateChunks(key registry.DeviceKey, dc *deviceConn, msg *Message) {
	var p UpdateChunksPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		writeErr(dc, msg.ID, CodeBadRequest)
		return
	}

	info, err := h.reg.UpdateChunks(key.Principal, key.Device, p.FileID, p.Chunks, p.ActiveUploads)
	if err != nil {
		writeErr(dc, msg.ID, codeFor(err))
		return
	}
	if err := reply(dc, msg.ID, RespAck, nil); err != nil {
		return
	}
	h.pushSeedersUpdate(p.FileID, key, info)
}

func (h *Hub) handleGetInfo(key registry.DeviceKey, dc *deviceConn, msg *Message) {
	var p GetInfoPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		writeErr(dc, msg.ID, CodeBadRequest)
		return
	}

	info, err := h.reg.GetInfo(key.Principal, p.FileID)
	if err != nil {
		writeErr(dc, msg.ID, codeFor(err))
		return
	}
	_ = reply(dc, msg.ID, RespFileInfo, info)
}

func (h *Hub) handleListSeeders(key registry.DeviceKey, dc *deviceConn, msg *Message) {
	var p GetInfoPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		writeErr(dc, msg.ID, CodeBadRequest)
		return
	}

	seeders, err := h.reg.ListSeeders(key.Principal, p.FileID)
	if err != nil {
		writeErr(dc, msg.ID, codeFor(err))
		return
	}
	_ = reply(dc, msg.ID, RespSeeders, seeders)
}

func (h *Hub) handleShareUpdate(key registry.DeviceKey, dc *deviceConn, msg *Message) {
	var p ShareUpdatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		writeErr(dc, msg.ID, CodeBadRequest)
		return
	}

	var info *registry.FileInfo
	var err error
	switch p.Action {
	case "add":
		info, err = h.reg.ShareAdd(key.Principal, p.FileID, p.Targets)
	case "revoke":
		info, err = h.reg.ShareRevoke(key.Principal, p.FileID, p.Targets)
	default:
		writeErr(dc, msg.ID, CodeBadRequest)
		return
	}
	if err != nil {
		writeErr(dc, msg.ID, codeFor(err))
		return
	}
	if err := reply(dc, msg.ID, RespAck, nil); err != nil {
		return
	}

	// Newly authorized principals learn about the file right away.
	if p.Action == "add" {
		for _, target := range p.Targets {
			h.pushToPrincipal(target, PushFileAvailable, FileAvailablePayload{
				FileID:     p.FileID,
				ChunkCount: info.ChunkCount,
				Checksum:   info.Checksum,
			})
		}
	}
}

// handleRelay forwards offer/answer/ICE payloads to the target device
// without inspecting the body.
func (h *Hub) handleRelay(key registry.DeviceKey, dc *deviceConn, msg *Message) {
	var p RelayPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		writeErr(dc, msg.ID, CodeBadRequest)
		return
	}

	// Relaying is gated on file membership like every other operation.
	if _, err := h.reg.GetInfo(key.Principal, p.FileID); err != nil {
		writeErr(dc, msg.ID, codeFor(err))
		return
	}

	p.FromPrincipal = key.Principal
	p.FromDevice = key.Device

	target := registry.DeviceKey{Principal: p.TargetPrincipal, Device: p.TargetDevice}
	h.mu.RLock()
	tc, ok := h.conns[target]
	h.mu.RUnlock()
	if !ok {
		writeErr(dc, msg.ID, CodePeerOffline)
		return
	}

	if err := push(tc, PushRelay, p); err != nil {
		writeErr(dc, msg.ID, CodePeerOffline)
		return
	}
	_ = reply(dc, msg.ID, RespAck, nil)
}

// pushSeedersUpdate notifies every connected member except the originator.
func (h *Hub) pushSeedersUpdate(fileID string, except registry.DeviceKey, info *registry.FileInfo) {
	h.pushToMembers(fileID, except, PushSeedersUpdate, SeedersUpdatePayload{
		FileID:       fileID,
		SeederCount:  info.SeederCount,
		ChunkQuality: info.ChunkQuality,
	})
}

// pushToMembers sends a push to every online device of every principal in
// the file's sharedWith set, excluding the originating device.
func (h *Hub) pushToMembers(fileID string, except registry.DeviceKey, typ string, payload any) {
	members := h.reg.SharedWith(fileID)
	if members == nil {
		return
	}
	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for key, dc := range h.conns {
		if key == except {
			continue
		}
		if _, ok := memberSet[key.Principal]; !ok {
			continue
		}
		if err := push(dc, typ, payload); err != nil {
			log.Printf("[signal] push %s to %s: %v", typ, key, err)
		}
	}
}

func (h *Hub) pushToPrincipal(principal, typ string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for key, dc := range h.conns {
		if key.Principal != principal {
			continue
		}
		if err := push(dc, typ, payload); err != nil {
			log.Printf("[signal] push %s to %s: %v", typ, key, err)
		}
	}
}

// Online reports whether any device of principal holds a live connection.
func (h *Hub) Online(principal string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for key := range h.conns {
		if key.Principal == principal {
			return true
		}
	}
	return false
}

func reply(dc *deviceConn, id, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return dc.write(&Response{ID: id, Type: typ, Payload: raw})
}

func push(dc *deviceConn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return dc.write(&Response{Type: typ, Payload: raw})
}

func writeErr(dc *deviceConn, id, code string) {
	_ = dc.write(&Response{ID: id, Type: RespError, Error: code})
}
