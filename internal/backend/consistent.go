package backend

import (
	"crypto/md5"
	"encoding/binary"
	"sort"
	"sync"
)

// ketamaReplicas is the virtual-node count per unit of weight.
const ketamaReplicas = 150

// ConsistentHash is a ketama-ring balancer: the same key always lands on
// the same backend while the healthy set is stable.
type ConsistentHash struct {
	baseBalancer

	ringMu sync.RWMutex
	ring   []ringEntry
}

type ringEntry struct {
	hash    uint32
	backend *Backend
}

// NewConsistentHash creates a consistent-hash balancer over backends.
func NewConsistentHash(backends []*Backend) *ConsistentHash {
	ch := &ConsistentHash{}
	ch.init(backends)
	ch.rebuildRing()
	return ch
}

// rebuildRing recreates the hash ring from the healthy set.
func (ch *ConsistentHash) rebuildRing() {
	healthy := ch.healthySet()

	var ring []ringEntry
	for _, b := range healthy {
		vnodes := ketamaReplicas * b.Weight
		for i := 0; i < vnodes; i++ {
			ring = append(ring, ringEntry{hash: ketamaHash(b.Addr, i), backend: b})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	ch.ringMu.Lock()
	ch.ring = ring
	ch.ringMu.Unlock()
}

// ketamaHash hashes a backend address and virtual node index. MD5 keeps
// ring placement compatible with ketama.
func ketamaHash(key string, idx int) uint32 {
	data := make([]byte, len(key)+4)
	copy(data, key)
	binary.LittleEndian.PutUint32(data[len(key):], uint32(idx))
	sum := md5.Sum(data)
	return binary.LittleEndian.Uint32(sum[:4])
}

func hashKey(key []byte) uint32 {
	sum := md5.Sum(key)
	return binary.LittleEndian.Uint32(sum[:4])
}

// Select returns the ring owner of key's hash.
func (ch *ConsistentHash) Select(key []byte) *Backend {
	h := hashKey(key)

	ch.ringMu.RLock()
	ring := ch.ring
	ch.ringMu.RUnlock()

	if len(ring) == 0 {
		return nil
	}
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx >= len(ring) {
		idx = 0
	}
	return ring[idx].backend
}

// ObserveHealth updates health state and rebuilds the ring.
func (ch *ConsistentHash) ObserveHealth(be *Backend, healthy bool) {
	ch.observeHealth(be, healthy)
	ch.rebuildRing()
}
