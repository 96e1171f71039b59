// Package supervisor constructs every other component, spawns the
// long-running tasks, and restarts the multicast discovery legs on
// failure. The discovery legs get a flat 10s-or-network-change restart
// policy; the overlay transport reconnects on its own 30s sweep instead.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.klb.dev/todomcp/internal/datagramcodec"
	"go.klb.dev/todomcp/internal/discovery"
	"go.klb.dev/todomcp/internal/fanout"
	"go.klb.dev/todomcp/internal/localcmd"
	"go.klb.dev/todomcp/internal/localsock"
	"go.klb.dev/todomcp/internal/model"
	"go.klb.dev/todomcp/internal/overlay"
	"go.klb.dev/todomcp/internal/persistence"
	"go.klb.dev/todomcp/internal/protocol"
	"go.klb.dev/todomcp/internal/remotemsg"
	"go.klb.dev/todomcp/internal/replica"
	"go.klb.dev/todomcp/internal/tlsconf"
)

// RestartWait is the upper bound the discovery-leg restart policy waits
// before retrying, short-circuited by a detected network interface change.
const RestartWait = 10 * time.Second

// Config holds everything the supervisor needs to find its on-disk state
// and bind its transports.
type Config struct {
	DataDir     string // root directory for snapshot, identity key, known peers, and named sockets
	OverlayAddr string // UDP listen address for the QUIC overlay, e.g. ":4433"
}

func (c Config) snapshotPath() string   { return filepath.Join(c.DataDir, "state.automerge") }
func (c Config) identityPath() string   { return filepath.Join(c.DataDir, "identity.key") }
func (c Config) knownPeersPath() string { return filepath.Join(c.DataDir, "known_peers.json") }
func (c Config) socketDir() string      { return filepath.Join(c.DataDir, "ipc") }

// Supervisor owns the running system and exposes the command/event
// boundary external collaborators (UI, MCP tool-call server, ingest
// adapter) use.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	Commands chan model.Command
	Events   chan model.Event
}

// New constructs a Supervisor. Call Run to start it.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		log:      slog.With("component", "supervisor"),
		Commands: make(chan model.Command, 32),
		Events:   make(chan model.Event, 256),
	}
}

// Run constructs every component and blocks until ctx is cancelled. It
// returns early only for a setup error (data dir, identity, replica load,
// named-socket directory). Snapshot write failures are logged by the
// persistence worker and do not end Run; an overlay transport that ends is
// logged and not restarted.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := replica.EnsureParentDir(s.cfg.snapshotPath()); err != nil {
		return fmt.Errorf("supervisor: prepare data dir: %w", err)
	}

	identity, regenerated, err := tlsconf.LoadOrCreate(s.cfg.identityPath())
	if err != nil {
		return fmt.Errorf("supervisor: load identity: %w", err)
	}
	if regenerated {
		s.log.Warn("identity key file was malformed, generated a new one")
	}
	siteID := identity.SiteID()
	s.log.Info("starting", "site_id", fmt.Sprintf("%08x", siteID))

	rep, err := replica.LoadOrNew(s.cfg.snapshotPath(), siteID, s.Events)
	if err != nil {
		return fmt.Errorf("supervisor: load replica: %w", err)
	}

	persist := persistence.New(s.cfg.snapshotPath(), rep)
	go persist.Run(ctx)

	outbound := make(chan protocol.Message, 64)
	inbound := make(chan remotemsg.Inbound, 64)

	lc := localcmd.New(rep, persist, outbound, s.Events)
	go lc.Run(ctx, s.Commands)

	rm := remotemsg.New(rep, persist, outbound, s.Events)
	go rm.Run(ctx, inbound)

	topBus := fanout.NewBus()
	go topBus.Run(ctx, outbound)

	overlayLegID, overlayLeg := topBus.Subscribe(64)
	defer topBus.Unsubscribe(overlayLegID)
	localsockLegID, localsockLeg := topBus.Subscribe(64)
	defer topBus.Unsubscribe(localsockLegID)

	ov := overlay.New(identity, s.cfg.OverlayAddr, s.cfg.knownPeersPath(), rep, inbound)
	discovered := make(chan discovery.Discovered, 16)
	go func() {
		if err := ov.Run(ctx, overlayLeg, discovered); err != nil && ctx.Err() == nil {
			s.log.Error("overlay transport ended", "err", err)
		}
	}()

	sock, err := localsock.New(s.cfg.socketDir(), siteID, rep, inbound)
	if err != nil {
		return fmt.Errorf("supervisor: init named-socket transport: %w", err)
	}
	go sock.Run(ctx, localsockLeg)

	s.runDiscoveryWithRestart(ctx, siteID, identity.Public, discovered)
	return ctx.Err()
}

// runDiscoveryWithRestart drives the announce-send and announce-receive
// multicast legs, restarting both together whenever either one terminates.
// It returns once ctx is cancelled.
func (s *Supervisor) runDiscoveryWithRestart(ctx context.Context, siteID uint32, publicKey []byte, discovered chan<- discovery.Discovered) {
	ifaceChanged := watchInterfaces(ctx)

	for ctx.Err() == nil {
		legErr := s.runDiscoveryLegs(ctx, siteID, publicKey, discovered)
		if ctx.Err() != nil {
			return
		}

		select {
		case s.Events <- model.ConnectionStatus{Message: fmt.Sprintf("discovery error: %v", legErr)}:
		default:
		}
		s.log.Warn("discovery legs ended, waiting to restart", "err", legErr)

		select {
		case <-ctx.Done():
			return
		case <-time.After(RestartWait):
		case <-ifaceChanged:
		}
	}
}

// runDiscoveryLegs binds the multicast listener and sender and runs the
// announce and discovery-reader loops until one of them fails. Returns the
// first error observed.
func (s *Supervisor) runDiscoveryLegs(ctx context.Context, siteID uint32, publicKey []byte, discovered chan<- discovery.Discovered) error {
	listener, err := datagramcodec.Listen()
	if err != nil {
		return fmt.Errorf("discovery: listen: %w", err)
	}
	defer listener.Close()

	sender, err := datagramcodec.NewSender()
	if err != nil {
		return fmt.Errorf("discovery: sender: %w", err)
	}
	defer sender.Close()

	legCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		errs <- discovery.NewAnnouncer(siteID, publicKey, sender).Run(legCtx)
	}()
	go func() {
		errs <- discovery.NewReader(siteID, listener).Run(legCtx, discovered)
	}()

	err = <-errs
	cancel()
	<-errs // drain the second leg so both goroutines have exited before we return
	return err
}

// watchInterfaces polls the host's network interfaces and signals on the
// returned channel whenever the set of "up" interfaces changes, so the
// discovery restart loop can wake early instead of always waiting out
// RestartWait.
func watchInterfaces(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		last := upInterfaceNames()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := upInterfaceNames()
				if cur != last {
					last = cur
					select {
					case out <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	return out
}

func upInterfaceNames() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	var names []string
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp != 0 {
			names = append(names, ifi.Name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
