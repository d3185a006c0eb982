// Package transport provides the UDP transport boundary for the QUIC
// reliability/crypto core in internal/quic/quicconn: it owns the raw
// socket, demultiplexes datagrams to a Connection by connection ID, and
// turns quicconn's sealed-packet/FEC-parity callbacks into wire bytes.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quicproto/qcore/internal/quic/frame"
	"github.com/quicproto/qcore/pkg/guuid"
)

const (
	// DefaultReadBufferSize is the default size for UDP read buffer
	DefaultReadBufferSize = 2 * 1024 * 1024 // 2MB

	// DefaultWriteBufferSize is the default size for UDP write buffer
	DefaultWriteBufferSize = 2 * 1024 * 1024 // 2MB

	// DefaultReadTimeout is the default read timeout
	DefaultReadTimeout = 30 * time.Second

	// maxDatagramSize bounds one read, header plus a full sealed packet
	// or FEC parity shard.
	maxDatagramSize = 2048
)

// Packet is one UDP datagram in or out of the wire: a cleartext Header
// (demux + packet-number-space or FEC-group addressing) followed by
// either AEAD ciphertext or an FEC parity shard.
type Packet struct {
	Header  *frame.Header
	Payload []byte
	Addr    *net.UDPAddr // remote address for received packets
}

// Conn is a UDP socket carrying Packets for one or more Connections
// multiplexed by Header.ConnID.
type Conn struct {
	udpConn    *net.UDPConn
	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr

	readBuf []byte

	mu     sync.RWMutex
	closed bool

	stats Statistics
}

// Statistics holds connection statistics
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
}

// Config contains configuration for transport connection
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	ReadTimeout     time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
		ReadTimeout:     DefaultReadTimeout,
	}
}

// Listen creates a new UDP connection for listening
func Listen(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}

	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen UDP: %w", err)
	}

	if err := udpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set read buffer: %w", err)
	}
	if err := udpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set write buffer: %w", err)
	}

	return &Conn{
		udpConn:   udpConn,
		localAddr: addr,
		readBuf:   make([]byte, maxDatagramSize),
	}, nil
}

// Dial creates a new UDP connection to a remote address
func Dial(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}

	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	udpConn, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP: %w", err)
	}

	if err := udpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set read buffer: %w", err)
	}
	if err := udpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set write buffer: %w", err)
	}

	return &Conn{
		udpConn:    udpConn,
		localAddr:  udpConn.LocalAddr().(*net.UDPAddr),
		remoteAddr: addr,
		readBuf:    make([]byte, maxDatagramSize),
	}, nil
}

// SendPacket sends a Packet to the specified address, or to the
// connected remote address if addr is nil.
func (c *Conn) SendPacket(packet *Packet, addr *net.UDPAddr) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("connection closed")
	}
	c.mu.RUnlock()

	data := packet.Header.Marshal(make([]byte, 0, packet.Header.EncodedLen()+len(packet.Payload)))
	data = append(data, packet.Payload...)

	var (
		n   int
		err error
	)
	if addr != nil {
		n, err = c.udpConn.WriteToUDP(data, addr)
	} else if c.udpConn.RemoteAddr() != nil {
		n, err = c.udpConn.Write(data)
	} else if c.remoteAddr != nil {
		n, err = c.udpConn.WriteToUDP(data, c.remoteAddr)
	} else {
		return fmt.Errorf("no remote address specified")
	}
	if err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return fmt.Errorf("failed to send packet: %w", err)
	}

	c.mu.Lock()
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)
	c.mu.Unlock()
	return nil
}

// Send sends a packet to the default remote address (for connected sockets)
func (c *Conn) Send(packet *Packet) error {
	return c.SendPacket(packet, nil)
}

// ReceivePacket receives and header-parses one Packet from the connection
func (c *Conn) ReceivePacket(ctx context.Context) (*Packet, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.mu.RUnlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.udpConn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	n, addr, err := c.udpConn.ReadFromUDP(c.readBuf)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			c.mu.Lock()
			c.stats.Errors++
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
	}

	c.mu.Lock()
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(n)
	c.mu.Unlock()

	header, consumed, err := frame.DecodeHeader(c.readBuf[:n])
	if err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	payload := make([]byte, n-consumed)
	copy(payload, c.readBuf[consumed:n])

	return &Packet{Header: header, Payload: payload, Addr: addr}, nil
}

// Receive receives a packet (shorthand for ReceivePacket with background context)
func (c *Conn) Receive() (*Packet, error) {
	return c.ReceivePacket(context.Background())
}

// LocalAddr returns the local address
func (c *Conn) LocalAddr() *net.UDPAddr { return c.localAddr }

// RemoteAddr returns the remote address
func (c *Conn) RemoteAddr() *net.UDPAddr { return c.remoteAddr }

// SetRemoteAddr sets the remote address for connected-style communication
func (c *Conn) SetRemoteAddr(addr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAddr = addr
}

// Statistics returns a copy of current statistics
func (c *Conn) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close closes the connection
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.udpConn.Close()
}

// IsClosed returns whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// NewDataPacket builds a Packet carrying a sealed packet for one
// connection ID, packet-number space and packet number.
func NewDataPacket(connID guuid.GUUID, space byte, pn uint64, payload []byte) *Packet {
	return &Packet{
		Header: &frame.Header{Type: frame.PacketTypeData, ConnID: connID, Space: space, PacketNumber: pn},
		Payload: payload,
	}
}

// NewFECParityPacket builds a Packet carrying an FEC parity shard for
// one connection ID's Initial-space redundancy group.
func NewFECParityPacket(connID guuid.GUUID, groupID uint64, shardIndex int, payload []byte) *Packet {
	return &Packet{
		Header: &frame.Header{
			Type:       frame.PacketTypeFECParity,
			ConnID:     connID,
			GroupID:    groupID,
			ShardIndex: uint16(shardIndex),
		},
		Payload: payload,
	}
}
