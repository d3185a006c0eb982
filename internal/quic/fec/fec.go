// Package fec provides optional Reed-Solomon redundancy over groups of
// Initial-packet-number-space packets, so a lost Initial packet can be
// reconstructed locally instead of waiting a full round trip for
// retransmission during the handshake window. It is not applied to
// Application-space data: by the time 1-RTT keys are in use, loss
// recovery through the Unacked Packet Map and Loss Detection Engine is
// cheap enough that erasure coding's bandwidth overhead isn't worth
// paying.
package fec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultGroupSize is the number of Initial packets encoded
	// together into one redundancy group. Handshakes rarely exceed a
	// handful of Initial packets, so groups are kept small relative to
	// a general-purpose FEC scheme.
	DefaultGroupSize = 4

	// DefaultRedundantShards is the number of parity packets generated
	// per group.
	DefaultRedundantShards = 2

	// MaxShardSize is the nominal upper size of a single shard; Initial
	// packets are already capped below this by the packet creator's max
	// length. Neither Encoder nor Decoder checks shard lengths against it.
	MaxShardSize = 1400
)

// Config configures the redundancy group size.
type Config struct {
	GroupSize       int
	RedundantShards int
}

// DefaultConfig returns the default small-group configuration suited
// to a handshake's Initial-space packet count.
func DefaultConfig() *Config {
	return &Config{GroupSize: DefaultGroupSize, RedundantShards: DefaultRedundantShards}
}

// group is one redundancy group under construction or reconstruction.
type group struct {
	id           uint64
	packets      [][]byte
	parity       [][]byte
	count        int
	complete     bool
	receivedMask []bool
	received     int
}

// Encoder packages consecutive Initial packets into redundancy groups
// and emits parity packets once a group fills.
type Encoder struct {
	mu sync.Mutex

	groupSize       int
	redundantShards int
	rs              reedsolomon.Encoder

	current *group
	nextID  uint64
}

// NewEncoder creates an Encoder for Initial-space redundancy groups.
func NewEncoder(config *Config) (*Encoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GroupSize < 1 || config.GroupSize > 256 {
		return nil, fmt.Errorf("fec: invalid group size %d (must be 1-256)", config.GroupSize)
	}
	if config.RedundantShards < 0 || config.RedundantShards > 256 {
		return nil, fmt.Errorf("fec: invalid redundant shard count %d (must be 0-256)", config.RedundantShards)
	}

	rs, err := reedsolomon.New(config.GroupSize, config.RedundantShards)
	if err != nil {
		return nil, fmt.Errorf("fec: failed to build Reed-Solomon encoder: %w", err)
	}

	return &Encoder{groupSize: config.GroupSize, redundantShards: config.RedundantShards, rs: rs, nextID: 1}, nil
}

// AddInitialPacket folds one serialized Initial packet into the
// current redundancy group. Once the group reaches GroupSize packets
// it returns the group's ID and the generated parity packets, ready to
// be sent alongside the Initial packets they protect.
func (e *Encoder) AddInitialPacket(plaintext []byte) (groupID uint64, parity [][]byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || e.current.complete {
		e.current = &group{id: e.nextID, packets: make([][]byte, e.groupSize)}
		e.nextID++
	}

	cp := make([]byte, len(plaintext))
	copy(cp, plaintext)
	e.current.packets[e.current.count] = cp
	e.current.count++

	if e.current.count < e.groupSize {
		return 0, nil, nil
	}

	if err := e.encodeGroup(e.current); err != nil {
		return 0, nil, fmt.Errorf("fec: encoding group %d: %w", e.current.id, err)
	}
	e.current.complete = true
	return e.current.id, e.current.parity, nil
}

func (e *Encoder) encodeGroup(g *group) error {
	maxLen := 0
	for _, shard := range g.packets {
		if len(shard) > maxLen {
			maxLen = len(shard)
		}
	}
	for i := range g.packets {
		if len(g.packets[i]) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, g.packets[i])
			g.packets[i] = padded
		}
	}

	g.parity = make([][]byte, e.redundantShards)
	for i := range g.parity {
		g.parity[i] = make([]byte, maxLen)
	}

	all := append(append([][]byte{}, g.packets...), g.parity...)
	if err := e.rs.Encode(all); err != nil {
		return fmt.Errorf("reed-solomon encode: %w", err)
	}
	g.parity = all[len(g.packets):]
	return nil
}

// Reset discards any partially-filled group, used on connection
// migration or when the handshake completes and Initial-space
// redundancy is no longer relevant.
func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = nil
}

// Decoder reassembles redundancy groups from received Initial and
// parity packets and reconstructs missing Initial packets once enough
// shards have arrived.
type Decoder struct {
	mu sync.RWMutex

	groupSize       int
	redundantShards int
	rs              reedsolomon.Encoder

	groups map[uint64]*group

	recovered uint64
	failed    uint64
}

// NewDecoder creates a Decoder matching the Encoder's group shape.
func NewDecoder(config *Config) (*Decoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GroupSize < 1 || config.GroupSize > 256 {
		return nil, fmt.Errorf("fec: invalid group size %d (must be 1-256)", config.GroupSize)
	}
	if config.RedundantShards < 0 || config.RedundantShards > 256 {
		return nil, fmt.Errorf("fec: invalid redundant shard count %d (must be 0-256)", config.RedundantShards)
	}

	rs, err := reedsolomon.New(config.GroupSize, config.RedundantShards)
	if err != nil {
		return nil, fmt.Errorf("fec: failed to build Reed-Solomon encoder: %w", err)
	}

	return &Decoder{
		groupSize:       config.GroupSize,
		redundantShards: config.RedundantShards,
		rs:              rs,
		groups:          make(map[uint64]*group),
	}, nil
}

// AddShard records one received packet (Initial or parity) belonging
// to groupID. Once enough shards of the group have arrived to
// reconstruct it, returns the full set of reconstructed Initial
// packets.
func (d *Decoder) AddShard(groupID uint64, shardIndex int, data []byte, isParity bool) (recovered [][]byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[groupID]
	if !ok {
		g = &group{
			id:           groupID,
			packets:      make([][]byte, d.groupSize),
			parity:       make([][]byte, d.redundantShards),
			receivedMask: make([]bool, d.groupSize+d.redundantShards),
		}
		d.groups[groupID] = g
	}
	if g.complete {
		return nil, nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	var maskIndex int
	if isParity {
		if shardIndex < 0 || shardIndex >= d.redundantShards {
			return nil, fmt.Errorf("fec: invalid parity shard index %d", shardIndex)
		}
		g.parity[shardIndex] = cp
		maskIndex = d.groupSize + shardIndex
	} else {
		if shardIndex < 0 || shardIndex >= d.groupSize {
			return nil, fmt.Errorf("fec: invalid packet shard index %d", shardIndex)
		}
		g.packets[shardIndex] = cp
		maskIndex = shardIndex
	}

	if !g.receivedMask[maskIndex] {
		g.receivedMask[maskIndex] = true
		g.received++
	}

	if g.received < d.groupSize {
		return nil, nil
	}

	if err := d.reconstruct(g); err != nil {
		d.failed++
		return nil, fmt.Errorf("fec: reconstructing group %d: %w", groupID, err)
	}
	g.complete = true
	d.recovered += uint64(d.groupSize - g.receivedDataCount())
	return g.packets, nil
}

func (d *Decoder) reconstruct(g *group) error {
	all := make([][]byte, d.groupSize+d.redundantShards)
	copy(all, g.packets)
	copy(all[d.groupSize:], g.parity)

	if err := d.rs.Reconstruct(all); err != nil {
		return fmt.Errorf("reed-solomon reconstruct: %w", err)
	}
	ok, err := d.rs.Verify(all)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("reconstruction failed verification")
	}

	for i := 0; i < d.groupSize; i++ {
		if g.packets[i] == nil {
			g.packets[i] = all[i]
		}
	}
	return nil
}

func (g *group) receivedDataCount() int {
	count := 0
	for i := 0; i < len(g.packets); i++ {
		if g.receivedMask[i] {
			count++
		}
	}
	return count
}

// CleanupOldGroups retains only the keepLatest most recent groups (by
// ID), bounding memory held by stalled handshakes.
func (d *Decoder) CleanupOldGroups(keepLatest int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.groups) <= keepLatest {
		return
	}

	ids := make([]uint64, 0, len(d.groups))
	for id := range d.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids[:len(ids)-keepLatest] {
		delete(d.groups, id)
	}
}

// Statistics reports recovery counters for telemetry.
func (d *Decoder) Statistics() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]uint64{
		"recovered_packets": d.recovered,
		"failed_recoveries": d.failed,
		"active_groups":     uint64(len(d.groups)),
	}
}

// Reset discards all in-progress groups.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = make(map[uint64]*group)
}
