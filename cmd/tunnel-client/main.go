package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/dispatcher"
	"github.com/tribler/tunnel-go/endpoint"
	"github.com/tribler/tunnel-go/eva"
	"github.com/tribler/tunnel-go/tunnel"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var (
		bind      = flag.String("bind", "0.0.0.0:8656", "UDP address to listen on")
		exitNode  = flag.Bool("exitnode", false, "advertise BT/IPv8/HTTP exit capability")
		cacheFile = flag.String("exitnode-cache", "", "path of the exit-node snapshot file")
		bootstrap = flag.String("bootstrap", "", "comma-separated ip:port peers to greet on startup")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := setupLogging(*verbose)
	fmt.Printf("=== tunnel-client %s ===\n", Version)

	_, identity, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate identity: %v\n", err)
		os.Exit(1)
	}

	ep, err := endpoint.Open(*bind, identity, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open endpoint: %v\n", err)
		os.Exit(1)
	}
	logger.Info("endpoint listening", "addr", ep.LocalAddr())

	settings := tunnel.DefaultSettings()
	settings.ExitNodeEnabled = *exitNode
	settings.ExitNodeCachePath = *cacheFile

	community := tunnel.New(identity, ep, settings, tunnel.WithLogger(logger))
	disp := dispatcher.New(community, logger)
	community.DataHandler = disp.OnIncomingFromTunnel
	community.Setup(slogNotifier{logger}, nil, disp, nil)
	community.Register(ep)

	transfers := eva.NewProtocol(func(peer cell.Addr, frame []byte) error {
		return ep.Send(peer, endpoint.FrameEVA, frame)
	}, eva.Options{Logger: logger})
	ep.RegisterHandler(endpoint.FrameEVA, func(from cell.Addr, _ ed25519.PublicKey, payload []byte) {
		transfers.ReceiveFrame(from, payload)
	})
	community.AttachEVA(transfers)
	transfers.Start()

	go func() {
		if err := ep.Listen(); err != nil {
			logger.Error("endpoint stopped", "error", err)
		}
	}()

	if *cacheFile != "" {
		community.RestoreExitNodesFromDisk()
	}
	if *bootstrap != "" {
		var addrs []cell.Addr
		for _, s := range strings.Split(*bootstrap, ",") {
			addr, err := parseAddr(strings.TrimSpace(s))
			if err != nil {
				logger.Warn("skipping bootstrap peer", "peer", s, "error", err)
				continue
			}
			addrs = append(addrs, addr)
		}
		community.Bootstrap(addrs)
	}
	community.StartMonitor()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	transfers.Shutdown()
	community.Unload()
	_ = ep.Close()
}

func setupLogging(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func parseAddr(s string) (cell.Addr, error) {
	host, port, ok := strings.Cut(s, ":")
	if !ok {
		return cell.Addr{}, fmt.Errorf("missing port in %q", s)
	}
	var p uint16
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return cell.Addr{}, fmt.Errorf("bad port in %q: %w", s, err)
	}
	return cell.AddrFrom(host, p)
}

// slogNotifier logs notifier events; a real deployment forwards them to the
// REST event stream.
type slogNotifier struct {
	log *slog.Logger
}

func (n slogNotifier) CircuitRemoved(c *tunnel.Circuit, info string) {
	n.log.Info("circuit removed", "circuit", c.ID, "info", info)
}

func (n slogNotifier) TunnelRemoved(cid uint32, up, down uint64, uptime time.Duration, info string) {
	n.log.Info("tunnel removed", "circuit", cid, "bytes_up", up, "bytes_down", down, "uptime", uptime, "info", info)
}

func (n slogNotifier) PeerDisconnected(key []byte) {
	n.log.Debug("peer disconnected", "key", fmt.Sprintf("%x", key))
}

func (n slogNotifier) TorrentMetadataAdded(md map[string]any) {
	n.log.Info("torrent metadata added", "keys", len(md))
}
