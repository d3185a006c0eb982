// Command quicdemo exercises the reliability/crypto core end to end
// over a real UDP socket: one process listens, one dials, and the
// dialing side streams lines of stdin-free demo text to the listener
// through a quicconn.Connection fronted by a transport.Endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/quicproto/qcore/internal/quantum/transport"
	"github.com/quicproto/qcore/internal/quic/config"
	"github.com/quicproto/qcore/internal/quic/congestion/bbr"
	"github.com/quicproto/qcore/internal/quic/generator"
	"github.com/quicproto/qcore/internal/quic/quicconn"
	"github.com/quicproto/qcore/internal/quic/telemetry"
	"github.com/quicproto/qcore/pkg/guuid"
)

var (
	configFile = flag.String("f", "", "path to a YAML config overriding config.DefaultConfig")
	listenAddr = flag.String("listen", ":9443", "address to listen on")
	dialAddr   = flag.String("dial", "", "address to dial; if set this process acts as the client side")
	streamID   = flag.Uint64("stream", 1, "application stream ID to send demo data on")
)

func main() {
	flag.Parse()
	undo, _ := maxprocs.Set()
	defer undo()

	log, err := telemetry.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "quicdemo: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatal("loading config", zap.Error(err))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log, cfg); err != nil {
		log.Fatal("quicdemo exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, log *zap.Logger, cfg *config.Config) error {
	network := "udp"
	udpConn, err := transport.Listen(network, *listenAddr, nil)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *listenAddr, err)
	}
	defer udpConn.Close()

	if *dialAddr != "" {
		remote, err := resolveUDP(*dialAddr)
		if err != nil {
			return err
		}
		udpConn.SetRemoteAddr(remote)
	}

	connID, err := guuid.New()
	if err != nil {
		return fmt.Errorf("generating connection id: %w", err)
	}

	metrics := telemetry.NewMetrics()
	tracer, shutdownTracer, err := telemetry.NewTracer(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("building tracer: %w", err)
	}
	defer shutdownTracer(ctx)

	cc := bbr.New(&bbr.Config{
		InitialCwnd:  uint32(cfg.BBR.InitialCwndPackets),
		MinRTT:       cfg.BBR.MinRTT,
		MaxBandwidth: cfg.BBR.MaxBandwidthBps,
	})

	ep := transport.NewEndpoint(udpConn, connID, log, func(space quicconn.Space, pn uint64, plaintext []byte) {
		log.Info("opened plaintext",
			zap.String("space", space.String()), zap.Uint64("pn", pn), zap.Int("bytes", len(plaintext)))
	})

	conn, err := quicconn.New(quicconn.Options{
		Log:        log,
		Config:     cfg,
		Metrics:    metrics,
		Tracer:     tracer,
		Writer:     ep,
		Congestion: cc,
		LocalAddr:  udpConn.LocalAddr().String(),
	})
	if err != nil {
		return fmt.Errorf("building connection: %w", err)
	}
	ep.BindConnection(conn)

	log.Info("quicdemo connection ready",
		zap.String("id", conn.ID().String()), zap.String("local", udpConn.LocalAddr().String()))

	go conn.Run(ctx)
	go ep.Run(ctx)

	if *dialAddr != "" {
		go sendDemoLines(ctx, log, conn)
	}

	go reportStatistics(ctx, log, conn, udpConn)

	<-ctx.Done()
	conn.Close()
	ep.Close()
	return nil
}

// sendDemoLines feeds a handful of lines into the connection's
// application stream, standing in for a real caller's outbound data.
func sendDemoLines(ctx context.Context, log *zap.Logger, conn *quicconn.Connection) {
	lines := []string{
		"the quick brown fox",
		"jumps over the lazy dog",
		"quicdemo exercising the reliability core",
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < len(lines); i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fin := generator.NoFin
			if i == len(lines)-1 {
				fin = generator.Fin
			}
			out := conn.SendStream(quicconn.SpaceApplication, *streamID, []byte(lines[i]), fin)
			log.Info("sent demo line", zap.Int("line", i), zap.Int("bytes", out.BytesConsumed))
		}
	}
}

func reportStatistics(ctx context.Context, log *zap.Logger, conn *quicconn.Connection, udpConn *transport.Conn) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := conn.Statistics()
			udpStats := udpConn.Statistics()
			log.Info("statistics",
				zap.Uint64("packets_sent", stats.PacketsSent),
				zap.Uint64("packets_received", stats.PacketsReceived),
				zap.Uint64("retransmissions", stats.Retransmissions),
				zap.Uint64("packets_recovered", stats.PacketsRecovered),
				zap.Uint64("udp_bytes_sent", udpStats.BytesSent),
				zap.Uint64("udp_bytes_received", udpStats.BytesReceived),
			)
		}
	}
}

func resolveUDP(addr string) (*net.UDPAddr, error) {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	return resolved, nil
}
