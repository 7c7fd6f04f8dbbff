package swarm

import (
	"testing"

	"github.com/ssd-technologies/swarmdrop/internal/bitset"
	"github.com/ssd-technologies/swarmdrop/internal/registry"
)

func peerWith(n int, indexes ...int) *peerState {
	return &peerState{chunks: bitset.FromIndexes(n, indexes)}
}

func TestRarestFirst_PrefersRareChunks(t *testing.T) {
	have := bitset.New(4)
	peers := map[registry.DeviceKey]*peerState{
		{Principal: "a", Device: "1"}: peerWith(4, 0, 1, 2, 3),
		{Principal: "b", Device: "1"}: peerWith(4, 0, 1, 2),
		{Principal: "c", Device: "1"}: peerWith(4, 0, 1),
	}

	out := rarestFirst(have, map[int]inflightReq{}, peers, 4)
	if len(out) == 0 {
		t.Fatal("no assignments")
	}
	// Chunk 3 is held by a single peer and must be scheduled first, on that
	// peer.
	if out[0].index != 3 {
		t.Fatalf("expected rarest chunk 3 first, got %d", out[0].index)
	}
	if out[0].peer.Principal != "a" {
		t.Fatalf("chunk 3 assigned to %s, only a holds it", out[0].peer.Principal)
	}
}

func TestRarestFirst_RespectsPipelineDepth(t *testing.T) {
	have := bitset.New(8)
	single := registry.DeviceKey{Principal: "a", Device: "1"}
	peers := map[registry.DeviceKey]*peerState{
		single: peerWith(8, 0, 1, 2, 3, 4, 5, 6, 7),
	}

	out := rarestFirst(have, map[int]inflightReq{}, peers, 4)
	if len(out) != 4 {
		t.Fatalf("expected 4 assignments at depth 4, got %d", len(out))
	}
}

func TestRarestFirst_CountsExistingLoad(t *testing.T) {
	have := bitset.New(8)
	busy := registry.DeviceKey{Principal: "a", Device: "1"}
	peers := map[registry.DeviceKey]*peerState{
		busy: {chunks: bitset.FromIndexes(8, []int{0, 1, 2, 3, 4, 5, 6, 7}), activeRequests: 3},
	}

	out := rarestFirst(have, map[int]inflightReq{}, peers, 4)
	if len(out) != 1 {
		t.Fatalf("expected 1 assignment with 3 in flight, got %d", len(out))
	}
}

func TestRarestFirst_SkipsInflightHeldAndExcluded(t *testing.T) {
	have := bitset.FromIndexes(4, []int{0})
	good := registry.DeviceKey{Principal: "a", Device: "1"}
	bad := registry.DeviceKey{Principal: "b", Device: "1"}
	peers := map[registry.DeviceKey]*peerState{
		good: peerWith(4, 1, 2),
		bad:  {chunks: bitset.FromIndexes(4, []int{1, 2, 3}), excluded: true},
	}
	inflight := map[int]inflightReq{1: {peer: good}}

	out := rarestFirst(have, inflight, peers, 4)
	if len(out) != 1 {
		t.Fatalf("expected only chunk 2 schedulable, got %d assignments", len(out))
	}
	if out[0].index != 2 || out[0].peer != good {
		t.Fatalf("unexpected assignment %+v", out[0])
	}
	// Chunk 3 is only on the excluded peer and must not be assigned.
	for _, a := range out {
		if a.peer == bad {
			t.Fatal("assignment made to excluded peer")
		}
	}
}
