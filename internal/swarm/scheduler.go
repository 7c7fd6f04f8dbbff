package swarm

import (
	"sort"
	"time"

	"github.com/ssd-technologies/swarmdrop/internal/bitset"
	"github.com/ssd-technologies/swarmdrop/internal/registry"
)

// peerState is the session's view of one remote device in the swarm.
type peerState struct {
	chunks         *bitset.Set
	uploadSlots    int
	activeRequests int
	lastProgress   time.Time
	staleRounds    int
	excluded       bool
}

type inflightReq struct {
	peer   registry.DeviceKey
	sentAt time.Time
}

type assignment struct {
	index int
	peer  registry.DeviceKey
}

// rarestFirst picks the next chunk requests: missing chunks ordered by how
// few peers hold them, each assigned to the least-loaded eligible peer. A
// peer is eligible while its pipeline has room. Chunks no peer holds are
// skipped until availability changes.
func rarestFirst(have *bitset.Set, inflight map[int]inflightReq, peers map[registry.DeviceKey]*peerState, depth int) []assignment {
	if depth <= 0 || len(peers) == 0 {
		return nil
	}

	load := make(map[registry.DeviceKey]int, len(peers))
	for key, ps := range peers {
		load[key] = ps.activeRequests
	}

	type candidate struct {
		index  int
		rarity int
	}
	var candidates []candidate
	for _, idx := range have.Missing() {
		if _, ok := inflight[idx]; ok {
			continue
		}
		rarity := 0
		for _, ps := range peers {
			if !ps.excluded && ps.chunks.Has(idx) {
				rarity++
			}
		}
		if rarity == 0 {
			continue
		}
		candidates = append(candidates, candidate{index: idx, rarity: rarity})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rarity != candidates[j].rarity {
			return candidates[i].rarity < candidates[j].rarity
		}
		return candidates[i].index < candidates[j].index
	})

	var out []assignment
	for _, c := range candidates {
		best := registry.DeviceKey{}
		bestLoad := depth
		for key, ps := range peers {
			if ps.excluded || !ps.chunks.Has(c.index) {
				continue
			}
			if load[key] < bestLoad {
				best = key
				bestLoad = load[key]
			}
		}
		if best == (registry.DeviceKey{}) {
			continue // every holder's pipeline is full
		}
		load[best]++
		out = append(out, assignment{index: c.index, peer: best})
	}
	return out
}
