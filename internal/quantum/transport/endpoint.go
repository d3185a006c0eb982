package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quicproto/qcore/internal/quic/frame"
	"github.com/quicproto/qcore/internal/quic/quicconn"
	"github.com/quicproto/qcore/pkg/guuid"
)

// PlaintextHandler receives every plaintext this endpoint opens,
// including the leading ACK frame (if any) that handlePlaintext has
// already acted on. Stream reassembly lives above this boundary.
type PlaintextHandler func(space quicconn.Space, packetNumber uint64, plaintext []byte)

// Endpoint is the UDP I/O boundary for one quicconn.Connection: it
// implements quicconn.PacketWriter by marshaling sealed packets and FEC
// parity onto the wire, and drives the connection's inbound side by
// demultiplexing received datagrams on Header.ConnID, opening them, and
// arming the loss-detection timer chain from the deadlines OnAckFrame
// and OnLossTimeout hand back.
type Endpoint struct {
	conn       *Conn
	connID     guuid.GUUID
	connection *quicconn.Connection
	log        *zap.Logger
	onPlain    PlaintextHandler

	wg sync.WaitGroup

	timerMu sync.Mutex
	timers  map[quicconn.Space]*time.Timer
}

// NewEndpoint wires conn for connID. The Endpoint implements
// quicconn.PacketWriter on its own, so it can be constructed before the
// Connection it will drive exists (quicconn.New takes a PacketWriter);
// call BindConnection once that Connection is built, before Run.
// onPlaintext may be nil if the caller has nothing to do with opened
// plaintext beyond what this endpoint already does (ACK processing and
// loss-timer arming).
func NewEndpoint(conn *Conn, connID guuid.GUUID, log *zap.Logger, onPlaintext PlaintextHandler) *Endpoint {
	if log == nil {
		log = zap.NewNop()
	}
	return &Endpoint{
		conn:    conn,
		connID:  connID,
		log:     log,
		onPlain: onPlaintext,
		timers:  make(map[quicconn.Space]*time.Timer),
	}
}

// BindConnection attaches the Connection this endpoint drives. Must be
// called exactly once, before Run.
func (e *Endpoint) BindConnection(c *quicconn.Connection) { e.connection = c }

// WritePacket implements quicconn.PacketWriter.
func (e *Endpoint) WritePacket(space quicconn.Space, pn uint64, associatedData, ciphertext []byte) error {
	return e.conn.Send(NewDataPacket(e.connID, byte(space), pn, ciphertext))
}

// WriteFECParity implements quicconn.PacketWriter.
func (e *Endpoint) WriteFECParity(groupID uint64, shardIndex int, parity []byte) error {
	return e.conn.Send(NewFECParityPacket(e.connID, groupID, shardIndex, parity))
}

// Run reads datagrams until ctx is cancelled or the socket is closed.
// Call it from its own goroutine; Wait blocks until it returns.
func (e *Endpoint) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := e.conn.ReceivePacket(ctx)
		if err != nil {
			if e.conn.IsClosed() {
				return
			}
			e.log.Warn("receive packet failed", zap.Error(err))
			continue
		}
		if pkt.Header.ConnID != e.connID {
			// A real multiplexing listener demuxes to one Endpoint per
			// ConnID here; this single-connection endpoint just drops
			// anything addressed to someone else.
			continue
		}
		e.handlePacket(pkt, time.Now())
	}
}

// Wait blocks until Run has returned.
func (e *Endpoint) Wait() { e.wg.Wait() }

func (e *Endpoint) handlePacket(pkt *Packet, now time.Time) {
	switch pkt.Header.Type {
	case frame.PacketTypeFECParity:
		recovered, err := e.connection.FeedFECShard(pkt.Header.GroupID, int(pkt.Header.ShardIndex), pkt.Payload, true)
		if err != nil {
			e.log.Warn("FEC parity shard rejected", zap.Uint64("group_id", pkt.Header.GroupID), zap.Error(err))
			return
		}
		for _, plaintext := range recovered {
			if e.onPlain != nil {
				e.onPlain(quicconn.SpaceInitial, 0, plaintext)
			}
		}

	case frame.PacketTypeData:
		space := quicconn.Space(pkt.Header.Space)
		ad := quicconn.AssociatedData(space, pkt.Header.PacketNumber)
		plaintext, ok := e.connection.OnPacketReceived(space, pkt.Header.PacketNumber, ad, pkt.Payload, now)
		if !ok {
			e.log.Warn("dropped packet: AEAD open failed",
				zap.String("space", space.String()), zap.Uint64("pn", pkt.Header.PacketNumber))
			return
		}
		e.handlePlaintext(space, pkt.Header.PacketNumber, plaintext, now)

	default:
		e.log.Warn("unknown packet type on the wire", zap.Uint8("type", byte(pkt.Header.Type)))
	}
}

// handlePlaintext decodes the one inbound frame this boundary
// understands on its own: a leading ACK frame, per the generator's
// fresh-ACK-first ordering. Feeding it to OnAckFrame drives loss
// detection and tells this endpoint when to next fire OnLossTimeout.
// Everything else in plaintext is handed to onPlain uninterpreted.
func (e *Endpoint) handlePlaintext(space quicconn.Space, pn uint64, plaintext []byte, now time.Time) {
	if len(plaintext) > 0 && frame.Type(plaintext[0]) == frame.TypeAck {
		if ack, _, err := frame.DecodeAckFrame(plaintext); err != nil {
			e.log.Warn("malformed ACK frame", zap.Error(err))
		} else {
			e.armLossTimer(space, e.connection.OnAckFrame(space, ack, now))
		}
	}
	if e.onPlain != nil {
		e.onPlain(space, pn, plaintext)
	}
}

// armLossTimer (re)schedules space's loss-detection timer for
// deadline, replacing any timer already pending for that space. A zero
// deadline means loss detection currently has nothing to wait on.
func (e *Endpoint) armLossTimer(space quicconn.Space, deadline time.Time) {
	if deadline.IsZero() {
		return
	}
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if t, ok := e.timers[space]; ok {
		t.Stop()
	}
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	e.timers[space] = time.AfterFunc(delay, func() {
		next := e.connection.OnLossTimeout(space, time.Now())
		e.armLossTimer(space, next)
	})
}

// Close stops all pending loss timers and the underlying socket.
func (e *Endpoint) Close() error {
	e.timerMu.Lock()
	for _, t := range e.timers {
		t.Stop()
	}
	e.timerMu.Unlock()
	return e.conn.Close()
}
