package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ssd-technologies/swarmdrop/internal/registry"
)

func startTransport(t *testing.T, principal, device string) *Transport {
	t.Helper()
	tr := New(principal, device)
	if err := tr.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func TestTransport_ConnectAndSend(t *testing.T) {
	a := startTransport(t, "alice", "dev-1")
	b := startTransport(t, "bob", "dev-1")

	got := make(chan *Frame, 1)
	b.OnFrame(func(f *Frame, from registry.DeviceKey) {
		if from.Principal != "alice" || from.Device != "dev-1" {
			t.Errorf("unexpected sender %s", from)
		}
		got <- f
	})

	bobKey := registry.DeviceKey{Principal: "bob", Device: "dev-1"}
	if err := a.Connect(b.Addr(), bobKey); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := a.Send(bobKey, FrameAvailability, AvailabilityPayload{FileID: "file-1", Chunks: []int{0, 2, 5}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-got:
		if f.Type != FrameAvailability {
			t.Fatalf("unexpected frame type %q", f.Type)
		}
		var p AvailabilityPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.FileID != "file-1" || len(p.Chunks) != 3 {
			t.Fatalf("payload mangled: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestTransport_BidirectionalAfterOneDial(t *testing.T) {
	a := startTransport(t, "alice", "dev-1")
	b := startTransport(t, "bob", "dev-1")

	fromAlice := make(chan *Frame, 1)
	b.OnFrame(func(f *Frame, _ registry.DeviceKey) { fromAlice <- f })
	fromBob := make(chan *Frame, 1)
	a.OnFrame(func(f *Frame, _ registry.DeviceKey) { fromBob <- f })

	aliceKey := registry.DeviceKey{Principal: "alice", Device: "dev-1"}
	bobKey := registry.DeviceKey{Principal: "bob", Device: "dev-1"}
	if err := a.Connect(b.Addr(), bobKey); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := a.Send(bobKey, FrameChunkRequest, ChunkRequestPayload{FileID: "f", Index: 3}); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	select {
	case <-fromAlice:
	case <-time.After(2 * time.Second):
		t.Fatal("request never arrived at bob")
	}

	// The acceptor can answer over the same link without dialing back.
	err := b.Send(aliceKey, FrameChunkData, ChunkDataPayload{FileID: "f", Index: 3, Ciphertext: []byte("sealed")})
	if err != nil {
		t.Fatalf("bob send: %v", err)
	}
	select {
	case f := <-fromBob:
		if f.Type != FrameChunkData {
			t.Fatalf("unexpected frame type %q", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response never arrived at alice")
	}
}

func TestTransport_RejectsWrongIdentity(t *testing.T) {
	a := startTransport(t, "alice", "dev-1")
	b := startTransport(t, "bob", "dev-1")

	err := a.Connect(b.Addr(), registry.DeviceKey{Principal: "carol", Device: "dev-9"})
	if err == nil {
		t.Fatal("expected identity mismatch error")
	}
}

func TestTransport_DisconnectDropsLink(t *testing.T) {
	a := startTransport(t, "alice", "dev-1")
	b := startTransport(t, "bob", "dev-1")

	bobKey := registry.DeviceKey{Principal: "bob", Device: "dev-1"}
	if err := a.Connect(b.Addr(), bobKey); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !a.Connected(bobKey) {
		t.Fatal("expected live link after connect")
	}

	a.Disconnect(bobKey)
	if a.Connected(bobKey) {
		t.Fatal("link survived disconnect")
	}
	if err := a.Send(bobKey, FrameAvailability, AvailabilityPayload{FileID: "f"}); err == nil {
		t.Fatal("send after disconnect should fail")
	}
}

func TestTransport_LargeChunkFrame(t *testing.T) {
	a := startTransport(t, "alice", "dev-1")
	b := startTransport(t, "bob", "dev-1")

	got := make(chan *Frame, 1)
	b.OnFrame(func(f *Frame, _ registry.DeviceKey) { got <- f })

	bobKey := registry.DeviceKey{Principal: "bob", Device: "dev-1"}
	if err := a.Connect(b.Addr(), bobKey); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Full 64 KiB chunk plus GCM tag fits well inside the frame limit.
	body := make([]byte, 65536+16)
	for i := range body {
		body[i] = byte(i)
	}
	if err := a.Send(bobKey, FrameChunkData, ChunkDataPayload{FileID: "f", Index: 0, Ciphertext: body}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-got:
		var p ChunkDataPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(p.Ciphertext) != len(body) {
			t.Fatalf("ciphertext truncated: %d != %d", len(p.Ciphertext), len(body))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}
}
