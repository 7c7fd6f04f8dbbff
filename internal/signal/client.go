package signal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/swarmdrop/internal/registry"
)

const requestTimeout = 15 * time.Second

// Client is a device's side of the signaling channel. Requests are
// correlated by ID so pushes can interleave with replies; a single read loop
// dispatches both.
type Client struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response
	onPush  func(*Response)
	closed  chan struct{}
	once    sync.Once

	Principal string
	Device    string
}

// Dial connects to the coordinator, identifies the device, and starts the
// read loop. onPush receives every server push; it must not block.
func Dial(url, principal, device string, onPush func(*Response)) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", url, err)
	}

	c := &Client{
		conn:      conn,
		pending:   make(map[string]chan *Response),
		onPush:    onPush,
		closed:    make(chan struct{}),
		Principal: principal,
		Device:    device,
	}

	// Identify before starting the loop; hello is strictly first.
	hello, _ := json.Marshal(HelloPayload{Principal: principal, Device: device})
	if err := c.writeMessage(&Message{ID: uuid.New().String(), Type: MsgHello, Payload: hello}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	var welcome Response
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != RespWelcome {
		conn.Close()
		return nil, fmt.Errorf("unexpected hello response %q", welcome.Type)
	}

	go c.readLoop()
	return c, nil
}

// Close tears down the connection; the coordinator treats it as a device
// disconnect and degrades rosters without deleting records.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func (c *Client) writeMessage(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			return
		}

		if resp.ID == "" {
			if c.onPush != nil {
				c.onPush(&resp)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// call sends a request and waits for its correlated response.
func (c *Client) call(typ string, payload any) (*Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	id := uuid.New().String()
	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeMessage(&Message{ID: id, Type: typ, Payload: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed", typ)
		}
		if resp.Type == RespError {
			return nil, &WireError{Code: resp.Error}
		}
		return resp, nil
	case <-time.After(requestTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: timed out", typ)
	case <-c.closed:
		return nil, fmt.Errorf("%s: client closed", typ)
	}
}

// Announce registers this device as a seeder and returns the coordinator's
// view of the file.
func (c *Client) Announce(p AnnouncePayload) (*registry.FileInfo, error) {
	resp, err := c.call(MsgAnnounce, p)
	if err != nil {
		return nil, err
	}
	var info registry.FileInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		return nil, fmt.Errorf("decode file info: %w", err)
	}
	return &info, nil
}

// UpdateChunks reports this device's current chunk set and upload activity.
func (c *Client) UpdateChunks(fileID string, chunks []int, activeUploads int) error {
	_, err := c.call(MsgUpdateChunks, UpdateChunksPayload{FileID: fileID, Chunks: chunks, ActiveUploads: activeUploads})
	return err
}

// GetInfo fetches a file's read model; it also refreshes the record's TTL.
func (c *Client) GetInfo(fileID string) (*registry.FileInfo, error) {
	resp, err := c.call(MsgGetInfo, GetInfoPayload{FileID: fileID})
	if err != nil {
		return nil, err
	}
	var info registry.FileInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		return nil, fmt.Errorf("decode file info: %w", err)
	}
	return &info, nil
}

// ListSeeders fetches the current seeding devices for a file.
func (c *Client) ListSeeders(fileID string) ([]registry.SeederInfo, error) {
	resp, err := c.call(MsgListSeeders, GetInfoPayload{FileID: fileID})
	if err != nil {
		return nil, err
	}
	var seeders []registry.SeederInfo
	if err := json.Unmarshal(resp.Payload, &seeders); err != nil {
		return nil, fmt.Errorf("decode seeders: %w", err)
	}
	return seeders, nil
}

// ShareUpdate adds or revokes principals on a file's access list.
func (c *Client) ShareUpdate(fileID, action string, targets []string) error {
	_, err := c.call(MsgShareUpdate, ShareUpdatePayload{FileID: fileID, Action: action, Targets: targets})
	return err
}

// Relay sends an opaque transport negotiation payload to a specific device.
func (c *Client) Relay(kind, fileID, targetPrincipal, targetDevice string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode relay body: %w", err)
	}
	_, err = c.call(MsgRelay, RelayPayload{
		Kind:            kind,
		FileID:          fileID,
		TargetPrincipal: targetPrincipal,
		TargetDevice:    targetDevice,
		Body:            raw,
	})
	return err
}
