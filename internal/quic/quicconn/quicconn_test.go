package quicconn

import (
	"context"
	"testing"
	"time"

	"github.com/quicproto/qcore/internal/quic/config"
	"github.com/quicproto/qcore/internal/quic/frame"
	"github.com/quicproto/qcore/internal/quic/generator"
)

// recordedPacket is one ciphertext captured by a fakeWriter.
type recordedPacket struct {
	space Space
	pn    uint64
	ad    []byte
	data  []byte
}

type fakeWriter struct {
	packets []recordedPacket
	parity  map[uint64][][]byte
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{parity: make(map[uint64][][]byte)}
}

func (w *fakeWriter) WritePacket(space Space, pn uint64, associatedData, ciphertext []byte) error {
	w.packets = append(w.packets, recordedPacket{space: space, pn: pn, ad: associatedData, data: ciphertext})
	return nil
}

func (w *fakeWriter) WriteFECParity(groupID uint64, shardIndex int, parity []byte) error {
	for len(w.parity[groupID]) <= shardIndex {
		w.parity[groupID] = append(w.parity[groupID], nil)
	}
	w.parity[groupID][shardIndex] = append([]byte(nil), parity...)
	return nil
}

func aes128gcmKeys() (KeyMaterial, KeyMaterial) {
	key := make([]byte, 16)
	iv := make([]byte, 12)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range iv {
		iv[i] = byte(i + 100)
	}
	km := KeyMaterial{Key: key, IV: iv}
	return km, km
}

func newTestConnection(t *testing.T, cfg *config.Config, w PacketWriter) *Connection {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c, err := New(Options{Config: cfg, Writer: w})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		c.Close()
		cancel()
	})

	seal, open := aes128gcmKeys()
	for s := Space(0); s < numSpaces; s++ {
		if err := c.InstallKeys(s, seal, open); err != nil {
			t.Fatalf("InstallKeys(%s): %v", s, err)
		}
	}
	return c
}

func TestSendStreamSealsAndRoundTripsThroughOpen(t *testing.T) {
	w := newFakeWriter()
	c := newTestConnection(t, nil, w)

	data := []byte("hello reliability core")
	out := c.SendStream(SpaceApplication, 5, data, generator.Fin)
	if out.BytesConsumed != len(data) || !out.FinConsumed {
		t.Fatalf("SendStream consumed = %+v, want all %d bytes with fin", out, len(data))
	}

	if len(w.packets) != 1 {
		t.Fatalf("packets captured = %d, want 1", len(w.packets))
	}
	p := w.packets[0]
	if p.space != SpaceApplication || p.pn != 1 {
		t.Fatalf("packet = %+v, want space=application pn=1", p)
	}

	plaintext, ok := c.OnPacketReceived(SpaceApplication, p.pn, p.ad, p.data, time.Now())
	if !ok {
		t.Fatal("OnPacketReceived: open failed")
	}

	want := (&frame.StreamFrame{StreamID: 5, Offset: 0, Data: data, Fin: true}).Encode(nil)
	if string(plaintext) != string(want) {
		t.Errorf("decrypted plaintext = %q, want %q", plaintext, want)
	}

	if got := c.Statistics().PacketsReceived; got != 1 {
		t.Errorf("PacketsReceived = %d, want 1", got)
	}
}

func TestOnPacketReceivedRejectsTamperedCiphertext(t *testing.T) {
	w := newFakeWriter()
	c := newTestConnection(t, nil, w)

	c.SendStream(SpaceApplication, 5, []byte("payload"), generator.Fin)
	p := w.packets[0]

	tampered := append([]byte(nil), p.data...)
	tampered[len(tampered)-1] ^= 0xff

	if _, ok := c.OnPacketReceived(SpaceApplication, p.pn, p.ad, tampered, time.Now()); ok {
		t.Fatal("OnPacketReceived accepted a tampered ciphertext")
	}
}

func TestOnAckFrameUpdatesRTTAndAdvancesUnackedMap(t *testing.T) {
	w := newFakeWriter()
	c := newTestConnection(t, nil, w)

	sentAt := time.Now()
	c.SendStream(SpaceApplication, 5, []byte("abc"), generator.Fin)
	if len(w.packets) != 1 {
		t.Fatalf("packets captured = %d, want 1", len(w.packets))
	}

	ackTime := sentAt.Add(20 * time.Millisecond)
	ack := &frame.AckFrame{LargestAcked: 1, AckDelay: uint64(2 * time.Millisecond), Ranges: []frame.AckRange{{Smallest: 1, Largest: 1}}}
	c.OnAckFrame(SpaceApplication, ack, ackTime)

	sp := c.spaces[SpaceApplication]
	if sp.unacked.IsUnacked(1) {
		t.Error("packet 1 should have been retired from the unacked map once acked and useless")
	}
	if c.rtt.LatestRtt() <= 0 {
		t.Error("RTT should have been updated from the ack of packet 1")
	}
}

func TestLossTriggersStreamRetransmission(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Loss.Mode = "nack"
	w := newFakeWriter()
	c := newTestConnection(t, cfg, w)

	data := []byte("retransmit me")
	c.SendStream(SpaceApplication, 9, data, generator.NoFin)
	for i := 0; i < 3; i++ {
		c.SendStream(SpaceApplication, 9, []byte{byte(i)}, generator.NoFin)
	}
	if len(w.packets) != 4 {
		t.Fatalf("packets captured = %d, want 4", len(w.packets))
	}

	ack := &frame.AckFrame{LargestAcked: 4, Ranges: []frame.AckRange{{Smallest: 4, Largest: 4}}}
	c.OnAckFrame(SpaceApplication, ack, time.Now())

	if got := c.Statistics().Retransmissions; got != 1 {
		t.Fatalf("Retransmissions = %d, want 1 (packet 1 should have been Nack-declared lost)", got)
	}
	if len(w.packets) != 5 {
		t.Fatalf("packets captured after retransmission = %d, want 5", len(w.packets))
	}
}

func TestFlushRetransmissionsResendsLostControlFrame(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Loss.Mode = "nack"
	w := newFakeWriter()
	c := newTestConnection(t, cfg, w)

	c.SendControlFrame(SpaceHandshake, frame.NewPingFrame())
	for i := 0; i < 3; i++ {
		c.SendStream(SpaceHandshake, 9, []byte{byte(i)}, generator.NoFin)
	}
	if len(w.packets) != 4 {
		t.Fatalf("packets captured = %d, want 4", len(w.packets))
	}

	ack := &frame.AckFrame{LargestAcked: 4, Ranges: []frame.AckRange{{Smallest: 4, Largest: 4}}}
	c.OnAckFrame(SpaceHandshake, ack, time.Now())

	sp := c.spaces[SpaceHandshake]
	if !sp.ctrl.HasPendingRetransmission() {
		t.Fatal("the lost PING frame should be pending retransmission")
	}

	c.FlushRetransmissions(SpaceHandshake)

	if len(w.packets) != 5 {
		t.Fatalf("packets captured after flush = %d, want 5", len(w.packets))
	}
	last := w.packets[len(w.packets)-1]
	if last.space != SpaceHandshake {
		t.Errorf("resent packet space = %s, want handshake", last.space)
	}
}

func TestFeedFECShardRecoversLostInitialPacket(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FEC.GroupSize = 2
	cfg.FEC.RedundantShards = 1
	w := newFakeWriter()
	c := newTestConnection(t, cfg, w)

	payload1 := make([]byte, 20)
	payload2 := make([]byte, 20)
	for i := range payload1 {
		payload1[i] = byte(i)
		payload2[i] = byte(i + 1)
	}

	c.SendStream(SpaceInitial, 5, payload1, generator.NoFin)
	c.SendStream(SpaceInitial, 7, payload2, generator.NoFin)

	if len(w.packets) != 2 {
		t.Fatalf("packets captured = %d, want 2", len(w.packets))
	}
	groupID := uint64(1)
	parity, ok := w.parity[groupID]
	if !ok || len(parity) != 1 {
		t.Fatalf("parity captured for group %d = %v, want 1 shard", groupID, parity)
	}

	plaintext1 := expectedStreamPlaintext(5, payload1)

	recovered, err := c.FeedFECShard(groupID, 0, plaintext1, false)
	if err != nil {
		t.Fatalf("FeedFECShard (data shard): %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("group should not be complete after one data shard, got %d recovered", len(recovered))
	}

	recovered, err = c.FeedFECShard(groupID, 0, parity[0], true)
	if err != nil {
		t.Fatalf("FeedFECShard (parity shard): %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("recovered = %d packets, want 2 once the group fills", len(recovered))
	}

	plaintext2 := expectedStreamPlaintext(7, payload2)
	if string(recovered[1]) != string(plaintext2) {
		t.Errorf("recovered[1] = %q, want %q", recovered[1], plaintext2)
	}

	if got := c.Statistics().PacketsRecovered; got != 2 {
		t.Errorf("PacketsRecovered = %d, want 2", got)
	}
}

func expectedStreamPlaintext(streamID uint64, data []byte) []byte {
	return (&frame.StreamFrame{StreamID: streamID, Offset: 0, Data: data, Fin: false}).Encode(nil)
}

func TestFeedFECShardWithoutFECConfiguredErrors(t *testing.T) {
	w := newFakeWriter()
	c := newTestConnection(t, nil, w)

	if _, err := c.FeedFECShard(1, 0, []byte("x"), false); err == nil {
		t.Fatal("FeedFECShard should fail when FEC was never configured")
	}
}

func TestCloseIsIdempotentAndStopsTheEventLoop(t *testing.T) {
	w := newFakeWriter()
	c := newTestConnection(t, nil, w)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State = %s, want CLOSED", c.State())
	}

	// post should return promptly instead of blocking forever once done
	// is closed.
	done := make(chan struct{})
	go func() {
		c.SendStream(SpaceApplication, 5, []byte("x"), generator.NoFin)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("post did not return after Close")
	}
}
