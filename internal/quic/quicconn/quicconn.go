// Package quicconn hosts the single-threaded cooperative connection
// task: one of each reliability and crypto component (Unacked Map,
// Loss Detection Engine, Control-Frame Manager, Packet Creator,
// Generator, AEAD key sets) per packet-number space, with one
// congestion controller and one RttStats shared across the spaces,
// wired together behind a Generator/Creator Delegate
// implementation. All per-connection state is confined to one
// goroutine; external events (a write call, a received packet, a loss
// timer firing) are serialized onto one channel rather than guarded by
// per-field mutexes.
package quicconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quicproto/qcore/internal/quic/ackbuilder"
	"github.com/quicproto/qcore/internal/quic/aead"
	"github.com/quicproto/qcore/internal/quic/config"
	"github.com/quicproto/qcore/internal/quic/congestion"
	"github.com/quicproto/qcore/internal/quic/controlframe"
	"github.com/quicproto/qcore/internal/quic/creator"
	"github.com/quicproto/qcore/internal/quic/fec"
	"github.com/quicproto/qcore/internal/quic/frame"
	"github.com/quicproto/qcore/internal/quic/generator"
	"github.com/quicproto/qcore/internal/quic/loss"
	"github.com/quicproto/qcore/internal/quic/rttstats"
	"github.com/quicproto/qcore/internal/quic/telemetry"
	"github.com/quicproto/qcore/internal/quic/unacked"
	"github.com/quicproto/qcore/pkg/guuid"
)

// Space names one of the three packet-number spaces this core tracks.
// 0-RTT and 1-RTT both share the Application space, per the mapping
// SPEC_FULL calls for in place of introducing spaces mid-codebase.
type Space int

const (
	SpaceInitial Space = iota
	SpaceHandshake
	SpaceApplication
	numSpaces
)

func (s Space) String() string {
	switch s {
	case SpaceInitial:
		return "initial"
	case SpaceHandshake:
		return "handshake"
	case SpaceApplication:
		return "application"
	default:
		return "unknown"
	}
}

// SpaceForLevel maps an encryption level to its packet-number space.
func SpaceForLevel(level unacked.EncryptionLevel) Space {
	switch level {
	case unacked.EncryptionInitial:
		return SpaceInitial
	case unacked.EncryptionHandshake:
		return SpaceHandshake
	default: // ZeroRTT and Forward (1-RTT) share Application.
		return SpaceApplication
	}
}

// State tracks the connection's lifecycle.
type State int

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PacketWriter hands fully encrypted packets (and opportunistic FEC
// parity shards for the Initial space) to the transport I/O boundary.
// Implementations must not block the connection task for long; this
// core never calls it concurrently with itself.
type PacketWriter interface {
	WritePacket(space Space, pn uint64, associatedData, ciphertext []byte) error
	WriteFECParity(groupID uint64, shardIndex int, parity []byte) error
}

// Statistics holds connection-level counters.
type Statistics struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	BytesSent        uint64
	BytesReceived    uint64
	PacketsLost      uint64
	PacketsRecovered uint64
	Retransmissions  uint64
}

// packetSpace bundles one packet-number space's reliability and crypto
// state: everything AddSentPacket/DetectLosses/ConsumeData need.
type packetSpace struct {
	unacked   *unacked.Map
	loss      *loss.Detector
	ctrl      *controlframe.Manager
	acks      *ackbuilder.Builder
	creator   *creator.PacketCreator
	generator *generator.Generator
	sealer    *aead.Crypter
	opener    *aead.Crypter
}

// Connection is the reliability/crypto core for one QUIC-shaped
// endpoint. Every exported method is safe to call from any goroutine:
// each posts a closure onto the connection task and waits for it to
// run, so the state below is touched from exactly one goroutine
// (whichever is currently executing Run).
type Connection struct {
	log     *zap.Logger
	cfg     *config.Config
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	id         guuid.GUUID
	localAddr  string
	remoteAddr string

	spaces [numSpaces]*packetSpace
	rtt    *rttstats.RttStats
	cc     congestion.Controller

	fecEncoder *fec.Encoder
	fecDecoder *fec.Decoder

	writer PacketWriter

	events chan func()
	done   chan struct{}
	once   sync.Once

	stateMu sync.RWMutex // guards only state/stats, which outside goroutines read without posting an event
	state   State
	stats   Statistics
}

// Options configures a new Connection.
type Options struct {
	Log        *zap.Logger
	Config     *config.Config
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Writer     PacketWriter
	Congestion congestion.Controller
	LocalAddr  string
	RemoteAddr string
}

// New constructs a Connection with one packetSpace per Space, an
// AEAD algorithm chosen from cfg, and (if cfg.FEC.RedundantShards > 0)
// an Initial-space FEC encoder/decoder pair.
func New(opts Options) (*Connection, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = &telemetry.Tracer{}
	}
	cc := opts.Congestion
	if cc == nil {
		cc = congestion.NopController{}
	}

	id, err := guuid.NewWithTimestamp()
	if err != nil {
		return nil, fmt.Errorf("quicconn: generating connection id: %w", err)
	}

	alg := algorithmFromConfig(cfg.AEAD.Algorithm)
	mode := lossModeFromConfig(cfg.Loss.Mode)

	c := &Connection{
		log:        log,
		cfg:        cfg,
		metrics:    metrics,
		tracer:     tracer,
		id:         id,
		localAddr:  opts.LocalAddr,
		remoteAddr: opts.RemoteAddr,
		rtt:        rttstats.New(),
		cc:         cc,
		writer:     opts.Writer,
		events:     make(chan func(), 256),
		done:       make(chan struct{}),
		state:      StateInit,
	}

	for s := Space(0); s < numSpaces; s++ {
		sp := &packetSpace{
			unacked: unacked.New(log, nil),
			loss:    loss.New(mode),
			ctrl:    controlframe.New(log),
			acks:    ackbuilder.New(),
			sealer:  aead.New(alg),
			opener:  aead.New(alg),
		}
		sd := &spaceDelegate{conn: c, space: s, sp: sp}
		sp.creator = creator.New(log, sd)
		sp.generator = generator.New(log, sd, sp.creator, nil)
		c.spaces[s] = sp
	}

	if cfg.FEC.RedundantShards > 0 {
		fc := &fec.Config{GroupSize: cfg.FEC.GroupSize, RedundantShards: cfg.FEC.RedundantShards}
		if fc.GroupSize == 0 {
			fc.GroupSize = fec.DefaultGroupSize
		}
		enc, err := fec.NewEncoder(fc)
		if err != nil {
			return nil, fmt.Errorf("quicconn: building FEC encoder: %w", err)
		}
		dec, err := fec.NewDecoder(fc)
		if err != nil {
			return nil, fmt.Errorf("quicconn: building FEC decoder: %w", err)
		}
		c.fecEncoder = enc
		c.fecDecoder = dec
	}

	return c, nil
}

func algorithmFromConfig(name string) aead.Algorithm {
	switch name {
	case "aes128gcm12":
		return aead.AES128GCM12
	case "aes256gcm":
		return aead.AES256GCM
	case "chacha20poly1305":
		return aead.ChaCha20Poly1305
	case "chacha20poly1305tls":
		return aead.ChaCha20Poly1305TLS
	default:
		return aead.AES128GCM
	}
}

func lossModeFromConfig(name string) loss.Mode {
	switch name {
	case "nack":
		return loss.ModeNack
	case "lazy_fack":
		return loss.ModeLazyFack
	case "time":
		return loss.ModeTime
	default:
		return loss.ModeAdaptiveTime
	}
}

// ID returns the connection's identifier.
func (c *Connection) ID() guuid.GUUID { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Statistics returns a snapshot of connection counters.
func (c *Connection) Statistics() Statistics {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.stats
}

// Run executes the connection task until ctx is canceled or Close is
// called. Every exported method above blocks the caller until its
// closure has run here, so this is the only goroutine that ever
// touches spaces/rtt/cc/stats.
func (c *Connection) Run(ctx context.Context) {
	c.setState(StateHandshaking)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// post runs fn on the connection task and blocks until it completes.
func (c *Connection) post(fn func()) {
	result := make(chan struct{})
	select {
	case c.events <- func() { fn(); close(result) }:
	case <-c.done:
		return
	}
	select {
	case <-result:
	case <-c.done:
	}
}

// Close stops the connection task. Safe to call more than once.
func (c *Connection) Close() error {
	c.once.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		c.setState(StateClosed)
	})
	return nil
}

// MarkEstablished transitions the connection out of the handshake
// state once the caller's key exchange completes.
func (c *Connection) MarkEstablished() {
	c.post(func() { c.setState(StateEstablished) })
}

// KeyMaterial holds one direction's AEAD key plus whichever nonce
// field its algorithm expects: a 4-byte Google-QUIC prefix, or a
// 12-byte IETF IV. Only one of NoncePrefix/IV should be set, matching
// the algorithm this Connection was built with.
type KeyMaterial struct {
	Key         []byte
	NoncePrefix []byte
	IV          []byte
}

func (k KeyMaterial) installInto(c *aead.Crypter) error {
	if err := c.SetKey(k.Key); err != nil {
		return err
	}
	if k.IV != nil {
		return c.SetIV(k.IV)
	}
	return c.SetNoncePrefix(k.NoncePrefix)
}

// InstallKeys installs the seal (local write) and open (remote read)
// key material for space s. Key derivation itself (the TLS/HKDF
// transcript that produces this material) is out of this core's
// scope; only installing already-derived keys into the active AEAD
// context is this connection task's job.
func (c *Connection) InstallKeys(s Space, seal, open KeyMaterial) error {
	var err error
	c.post(func() {
		sp := c.spaces[s]
		if e := seal.installInto(sp.sealer); e != nil {
			err = fmt.Errorf("quicconn: installing %s seal key: %w", s, e)
			return
		}
		if e := open.installInto(sp.opener); e != nil {
			err = fmt.Errorf("quicconn: installing %s open key: %w", s, e)
			return
		}
	})
	return err
}

// SendStream queues streamID's data for transmission in space s,
// driving that space's Generator through the ConsumeData algorithm.
func (c *Connection) SendStream(s Space, streamID uint64, data []byte, state generator.FinState) generator.ConsumedData {
	var out generator.ConsumedData
	c.post(func() {
		out = c.spaces[s].generator.ConsumeData(streamID, data, 0, state)
	})
	return out
}

// SendControlFrame enqueues a retransmittable control frame in space
// s, assigning it a Control-Frame Manager ID first.
func (c *Connection) SendControlFrame(s Space, f frame.ControlFrame) {
	c.post(func() {
		c.spaces[s].ctrl.NextID(f)
		c.spaces[s].generator.AddControlFrame(f)
	})
}

// FlushRetransmissions drains any control frame the Control-Frame
// Manager has marked pending retransmission in space s back into that
// space's Generator. The connection task, not the Manager, owns this
// polling loop. A pending
// entry is only cleared once OnControlFrameSent actually observes it
// go out, so this tracks IDs it has already resubmitted this call to
// avoid re-enqueuing a frame the congestion controller is still
// refusing to send.
func (c *Connection) FlushRetransmissions(s Space) {
	c.post(func() {
		sp := c.spaces[s]
		seen := make(map[frame.ControlFrameID]bool)
		for sp.ctrl.HasPendingRetransmission() {
			f := sp.ctrl.NextPendingRetransmission()
			if f == nil || seen[f.ID()] {
				break
			}
			seen[f.ID()] = true
			sp.generator.AddControlFrame(f)
		}
	})
}

// OnPacketReceived decrypts one inbound packet in space s. A failed
// open is counted, then silently dropped; it is logged only when it
// exceeds the integrity limit and closes the connection. AEAD failure is
// an expected outcome of speculative decryption against multiple keys,
// not a parse error. A successful open records pn for the next
// outgoing ACK frame and returns the plaintext frame payload.
func (c *Connection) OnPacketReceived(s Space, pn uint64, associatedData, ciphertext []byte, recvTime time.Time) (plaintext []byte, ok bool) {
	c.post(func() {
		sp := c.spaces[s]
		pt, opened, err := sp.opener.Open(nil, pn, associatedData, ciphertext)
		if err != nil || !opened {
			c.metrics.AEADDecryptFailures.WithLabelValues(s.String()).Inc()
			if errors.Is(err, aead.ErrIntegrityLimitExceeded) {
				c.log.Error("aead integrity limit exceeded, closing connection", zap.String("space", s.String()))
				c.setState(StateClosing)
			}
			return
		}
		sp.acks.RecordReceived(pn, recvTime)
		c.stateMu.Lock()
		c.stats.PacketsReceived++
		c.stats.BytesReceived += uint64(len(pt))
		c.stateMu.Unlock()

		plaintext, ok = pt, true
	})
	return plaintext, ok
}

// FeedFECShard records one received Initial-space data or parity shard
// against groupID; once enough shards of that group have arrived it
// returns the reconstructed Initial-packet plaintexts so the caller
// can replay them through OnPacketReceived's downstream processing
// (ack recording, stream delivery) without waiting on retransmission.
// Grouping/shard-index metadata is carried out of band by the
// transport boundary, which owns the wire framing this core does not
// model.
func (c *Connection) FeedFECShard(groupID uint64, shardIndex int, data []byte, isParity bool) (recovered [][]byte, err error) {
	if c.fecDecoder == nil {
		return nil, fmt.Errorf("quicconn: FEC not enabled")
	}
	c.post(func() {
		recovered, err = c.fecDecoder.AddShard(groupID, shardIndex, data, isParity)
		if err == nil && len(recovered) > 0 {
			c.metrics.FECPacketsRecovered.Add(float64(len(recovered)))
			c.stateMu.Lock()
			c.stats.PacketsRecovered += uint64(len(recovered))
			c.stateMu.Unlock()
		}
	})
	return recovered, err
}

// OnAckFrame processes one received ACK frame for space s: notifies
// ack listeners and the Control-Frame Manager for every newly acked
// packet, updates the shared RTT estimate from the largest newly
// acked packet, runs loss detection, and rearms retransmissions for
// anything the loss detector declares lost.
func (c *Connection) OnAckFrame(s Space, ack *frame.AckFrame, now time.Time) (lossTimeout time.Time) {
	c.post(func() {
		sp := c.spaces[s]
		m := sp.unacked

		largestNewlyAcked := unacked.PacketNumber(ack.LargestAcked)
		updatedRTT := false

		// previousLargestObserved is what IsUsefulForRttMeasurement needs:
		// the watermark as it stood before this ack, so a largestNewlyAcked
		// that merely repeats the prior watermark is correctly judged not
		// useful. The map's own field is raised before the acking loop
		// below so RemoveObsoletePackets (called from inside NotifyAcked)
		// judges each packet's usefulness against this ack's watermark,
		// not the stale one.
		previousLargestObserved := m.LargestObserved()
		m.IncreaseLargestObserved(largestNewlyAcked)

		for _, r := range ack.Ranges {
			for pn := r.Smallest; pn <= r.Largest; pn++ {
				upn := unacked.PacketNumber(pn)
				if !m.IsUnacked(upn) {
					continue
				}
				info := m.GetInfo(upn)
				if info == nil {
					continue
				}
				for _, fr := range info.Frames {
					if cf, ok := fr.(frame.ControlFrame); ok {
						sp.ctrl.OnControlFrameAcked(cf)
					}
				}
				if info.InFlight {
					c.cc.OnPacketAcked(uint32(info.BytesSent), c.rtt.LatestRtt(), now)
				}
				if upn == largestNewlyAcked && info.IsUsefulForRttMeasurement(previousLargestObserved, upn) {
					c.rtt.UpdateRtt(now.Sub(info.SentTime), time.Duration(ack.AckDelay))
					updatedRTT = true
				}
				m.NotifyAcked(upn, time.Duration(ack.AckDelay))
				c.metrics.PacketsAcked.Inc()
			}
		}
		_ = updatedRTT
		c.metrics.ControlFramesOutstanding.Set(float64(sp.ctrl.OutstandingCount()))

		lost, timeout := sp.loss.DetectLosses(m, c.rtt, now, largestNewlyAcked)
		lossTimeout = timeout
		c.handleLostPacketsLocked(s, lost, now)
		c.metrics.ReorderingShift.Set(float64(sp.loss.ReorderingShift()))
	})
	return lossTimeout
}

// OnLossTimeout re-invokes loss detection for space s when the
// previously returned lossTimeout fires with no intervening ACK; the
// caller (the connection's I/O boundary) owns the real timer.
func (c *Connection) OnLossTimeout(s Space, now time.Time) (lossTimeout time.Time) {
	c.post(func() {
		sp := c.spaces[s]
		lost, timeout := sp.loss.DetectLosses(sp.unacked, c.rtt, now, sp.unacked.LargestObserved())
		lossTimeout = timeout
		c.handleLostPacketsLocked(s, lost, now)
		c.metrics.ReorderingShift.Set(float64(sp.loss.ReorderingShift()))
	})
	return lossTimeout
}

// handleLostPacketsLocked runs on the connection task: for each lost
// packet, pending control frames are handed to the Control-Frame
// Manager's retransmission set and lost STREAM data is immediately
// resubmitted to the same space's Generator under a fresh packet
// number (the transfer-vs-retransmit distinction AddSentPacket draws
// is moot here since the resend goes through ConsumeData rather than
// a direct frame-set transplant).
func (c *Connection) handleLostPacketsLocked(s Space, lost []loss.LostPacket, now time.Time) {
	if len(lost) == 0 {
		return
	}
	sp := c.spaces[s]
	for _, lp := range lost {
		info := sp.unacked.GetInfo(lp.PacketNumber)
		c.cc.OnPacketLost(uint32(lp.BytesSent), now)
		c.stateMu.Lock()
		c.stats.PacketsLost++
		c.stateMu.Unlock()
		c.metrics.PacketsLost.Inc()

		if info == nil {
			continue
		}
		for _, fr := range info.Frames {
			switch v := fr.(type) {
			case frame.ControlFrame:
				sp.ctrl.OnControlFrameLost(v)
				c.metrics.ControlFramesOutstanding.Set(float64(sp.ctrl.OutstandingCount()))
			case *frame.StreamFrame:
				state := generator.NoFin
				if v.Fin {
					state = generator.Fin
				}
				sp.generator.ConsumeData(v.StreamID, v.Data, v.Offset, state)
				c.stateMu.Lock()
				c.stats.Retransmissions++
				c.stateMu.Unlock()
			}
		}
		sp.unacked.RemoveFromInFlight(lp.PacketNumber)
		sp.unacked.RemoveRetransmittability(lp.PacketNumber)
	}
	sp.unacked.RemoveObsoletePackets()
}

// spaceDelegate implements both generator.Delegate and creator.Delegate
// for one packetSpace, closing over the owning Connection so it can
// reach the congestion controller, AEAD sealer, Unacked Map, and
// transport writer.
type spaceDelegate struct {
	conn  *Connection
	space Space
	sp    *packetSpace
}

var _ generator.Delegate = (*spaceDelegate)(nil)
var _ creator.Delegate = (*spaceDelegate)(nil)

func (d *spaceDelegate) ShouldGeneratePacket(hasRetransmittable, isHandshake bool) bool {
	return d.conn.cc.CanSend(uint32(creator.MaxPacketSize))
}

func (d *spaceDelegate) GetUpdatedAckFrame() *frame.AckFrame {
	return d.sp.acks.BuildAckFrame(time.Now())
}

func (d *spaceDelegate) PopulateStopWaitingFrame(f *frame.StopWaitingFrame) {
	f.LeastUnacked = uint64(d.sp.unacked.LeastUnacked())
}

func (d *spaceDelegate) OnUnrecoverableError(code, detail string) {
	d.conn.log.Error("unrecoverable framing error, closing connection",
		zap.String("space", d.space.String()), zap.String("code", code), zap.String("detail", detail))
	d.conn.setState(StateClosing)
}

// OnSerializedPacket seals the packet, hands ciphertext to the
// transport writer, records it in the Unacked Map, tells the
// Control-Frame Manager about any control frames it carries, and
// updates congestion and telemetry state. Called only from the
// connection task (via PacketCreator.Flush, itself only called from a
// Generator method, itself only ever invoked through Connection.post).
func (d *spaceDelegate) OnSerializedPacket(packet *creator.SerializedPacket) {
	c := d.conn
	plaintext := make([]byte, 0, packet.EncryptedLength)
	for _, f := range packet.Frames {
		plaintext = f.Encode(plaintext)
	}
	packet.EncryptedLength = len(plaintext)

	ad := associatedDataFor(d.space, uint64(packet.PacketNumber))
	ciphertext := d.sp.sealer.Seal(nil, uint64(packet.PacketNumber), ad, plaintext)

	if c.writer != nil {
		if err := c.writer.WritePacket(d.space, uint64(packet.PacketNumber), ad, ciphertext); err != nil {
			c.log.Warn("transport write failed", zap.String("space", d.space.String()), zap.Error(err))
		}
	}

	if d.space == SpaceInitial && c.fecEncoder != nil {
		groupID, parity, err := c.fecEncoder.AddInitialPacket(plaintext)
		if err != nil {
			c.log.Warn("fec encode failed", zap.Error(err))
		} else if parity != nil && c.writer != nil {
			for i, shard := range parity {
				if err := c.writer.WriteFECParity(groupID, i, shard); err != nil {
					c.log.Warn("fec parity write failed", zap.Error(err))
				}
			}
		}
	}

	info := &unacked.TransmissionInfo{
		EncryptionLevel:    levelForSpace(d.space),
		PacketNumberLength: packet.PacketNumberLength,
		TransmissionType:   unacked.TransmissionNew,
		SentTime:           time.Now(),
		BytesSent:          len(ciphertext),
		InFlight:           true,
		HasCryptoHandshake: packet.HasCryptoHandshake,
		NumPaddingBytes:    packet.NumPaddingBytes,
		LargestAckedAtSend: d.sp.unacked.LargestObserved(),
		Frames:             retransmittableFrames(packet.Frames),
	}
	d.sp.unacked.AddSentPacket(unacked.PacketNumber(packet.PacketNumber), 0, info)

	for _, f := range info.Frames {
		if cf, ok := f.(frame.ControlFrame); ok {
			d.sp.ctrl.OnControlFrameSent(cf)
		}
	}
	c.metrics.ControlFramesOutstanding.Set(float64(d.sp.ctrl.OutstandingCount()))

	c.cc.OnPacketSent(uint32(len(ciphertext)), info.SentTime)

	c.stateMu.Lock()
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(ciphertext))
	c.stateMu.Unlock()

	c.metrics.PacketsSent.Inc()
	c.metrics.BytesInFlight.Set(float64(d.sp.unacked.BytesInFlight()))
}

func retransmittableFrames(frames []frame.Frame) []frame.Frame {
	out := make([]frame.Frame, 0, len(frames))
	for _, f := range frames {
		if f.Retransmittable() {
			out = append(out, f)
		}
	}
	return out
}

func levelForSpace(s Space) unacked.EncryptionLevel {
	switch s {
	case SpaceInitial:
		return unacked.EncryptionInitial
	case SpaceHandshake:
		return unacked.EncryptionHandshake
	default:
		return unacked.EncryptionForward
	}
}

// associatedDataFor builds the minimal unprotected-header stand-in
// sealed as AEAD associated data: the space and packet number. Full
// long/short header layout is the transport boundary's concern.
func associatedDataFor(s Space, pn uint64) []byte {
	ad := make([]byte, 9)
	ad[0] = byte(s)
	for i := 0; i < 8; i++ {
		ad[1+i] = byte(pn >> uint(56-8*i))
	}
	return ad
}

// AssociatedData exposes associatedDataFor to the transport boundary,
// which needs to reconstruct the same AD from a received packet's
// cleartext header bytes before calling OnPacketReceived.
func AssociatedData(s Space, pn uint64) []byte {
	return associatedDataFor(s, pn)
}
