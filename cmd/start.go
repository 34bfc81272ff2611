package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/musetap/host/internal/access"
	"github.com/musetap/host/internal/config"
	"github.com/musetap/host/internal/ipc"
	"github.com/musetap/host/internal/mdns"
	"github.com/musetap/host/internal/server"
	"github.com/musetap/host/internal/storage"
	"github.com/musetap/host/internal/tunnel"
)

// startFlags holds the parsed command-line options for `start`.
type startFlags struct {
	addr            string
	configPath      string
	storePath       string
	tunnelEnabled   bool
	tunnelProvider  string
	requireApproval bool
	qr              bool
	mdnsEnabled     bool
}

func parseStartFlags(args []string, stderr io.Writer) (*startFlags, map[string]bool, error) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &startFlags{}
	fs.StringVar(&f.addr, "addr", "", "listen address (host:port), overrides config")
	fs.StringVar(&f.configPath, "config", "", "path to config.toml (default ~/.musetap/config.toml)")
	fs.StringVar(&f.storePath, "store", "", "path to the device database")
	fs.BoolVar(&f.tunnelEnabled, "tunnel", false, "expose the host on a public URL")
	fs.StringVar(&f.tunnelProvider, "tunnel-provider", "", "tunnel provider: relay, proc, or managed")
	fs.BoolVar(&f.requireApproval, "require-approval", false, "require an explicit decision for each pairing attempt")
	fs.BoolVar(&f.qr, "qr", false, "display the onboarding link as a QR code")
	fs.BoolVar(&f.mdnsEnabled, "mdns", false, "advertise the host on the local network via mDNS")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	// Track which flags were set explicitly so they can override the
	// config file without stomping file values with flag defaults.
	explicit := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { explicit[fl.Name] = true })

	return f, explicit, nil
}

// loadStartConfig merges the config file, environment, and flags.
// Precedence: explicit flags > environment > file > defaults.
func loadStartConfig(f *startFlags, explicit map[string]bool) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)

	if explicit["addr"] {
		cfg.Addr = f.addr
	}
	if explicit["store"] {
		cfg.Store = f.storePath
	}
	if explicit["tunnel"] {
		cfg.Tunnel.Enabled = f.tunnelEnabled
	}
	if explicit["tunnel-provider"] {
		cfg.Tunnel.Provider = f.tunnelProvider
	}
	if explicit["require-approval"] {
		cfg.RequireApproval = f.requireApproval
	}
	if explicit["qr"] {
		cfg.QR = f.qr
	}
	if explicit["mdns"] {
		cfg.MdnsEnabled = f.mdnsEnabled
	}

	if cfg.Addr == "" {
		cfg.Addr = config.DefaultAddr
	}
	if cfg.Store == "" {
		cfg.Store, err = config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
	}
	if cfg.Tunnel.Provider == "" {
		cfg.Tunnel.Provider = config.DefaultTunnelProvider
	}

	return cfg, nil
}

// buildTunnelGateway constructs the gateway for the configured provider.
// Returns nil when tunneling is disabled.
func buildTunnelGateway(cfg *config.Config) (*tunnel.Gateway, error) {
	if !cfg.Tunnel.Enabled {
		return nil, nil
	}

	var provider tunnel.Provider
	switch cfg.Tunnel.Provider {
	case "relay":
		provider = tunnel.NewRelayProvider(cfg.Tunnel.RelayServer, "")
	case "proc":
		provider = tunnel.NewProcProvider(cfg.Tunnel.ProcCommand)
	case "managed":
		provider = tunnel.NewManagedProvider(cfg.Tunnel.ManagedEndpoint, cfg.Tunnel.ManagedToken)
	default:
		return nil, fmt.Errorf("unknown tunnel provider %q (want relay, proc, or managed)", cfg.Tunnel.Provider)
	}

	return tunnel.NewGateway(provider), nil
}

func runStart(args []string, stdout, stderr io.Writer) int {
	f, explicit, err := parseStartFlags(args, stderr)
	if err != nil {
		return 1
	}

	cfg, err := loadStartConfig(f, explicit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	store, err := storage.NewSQLiteStore(cfg.Store)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open device store: %v\n", err)
		return 1
	}
	defer store.Close()

	// boundPort is set after Start; notifications only fire once
	// requests arrive, well after binding.
	var boundPort int
	coordinator := access.NewCoordinator(access.DefaultApprovalTimeout, func(n access.Notification) {
		fmt.Fprintf(stdout, "\nPairing request from %s (%s)\n", n.DeviceName, n.Origin)
		fmt.Fprintf(stdout, "  Approve: curl -X POST 127.0.0.1:%d/pair/decide -d '{\"id\":%q,\"decision\":\"approve\"}'\n", boundPort, n.ID)
		fmt.Fprintf(stdout, "  Expires: %s\n\n", n.ExpiresAt.Format("15:04:05"))
	})

	manager := access.NewManager(access.ManagerConfig{
		DeviceStore:     store,
		AuditStore:      store,
		Approvals:       coordinator,
		RequireApproval: cfg.RequireApproval,
		AccessTTL:       time.Duration(cfg.AccessExpiryMinutes) * time.Minute,
	})

	gateway, err := buildTunnelGateway(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	srv := server.NewServer(server.Config{
		Addr:            cfg.Addr,
		AdvertiseHost:   AdvertiseHost(),
		Access:          manager,
		Approvals:       coordinator,
		Gateway:         gateway,
		TunnelSubdomain: cfg.Tunnel.Subdomain,
		OnReady: func(ac access.AccessConfig) {
			displayAccessConfig(stdout, ac, cfg.QR)
		},
	})
	srv.SetDeviceActivityTracker(func(deviceID string) {
		if err := store.UpdateLastSeen(deviceID, time.Now()); err != nil {
			log.Printf("host: failed to update device activity: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	boundPort = srv.Port()
	fmt.Fprintf(stdout, "musetap host listening on port %d\n", boundPort)

	// Approval decisions are also reachable over a user-only Unix
	// socket, so local tooling can approve without the HTTP token.
	var approvalSocket *ipc.ApprovalSocketServer
	if socketPath, err := config.DefaultApprovalSocketPath(); err == nil {
		approvalSocket = ipc.NewApprovalSocketServer(socketPath, access.NewApprovalHandler(coordinator), log.Default())
		if err := approvalSocket.Start(); err != nil {
			log.Printf("host: approval socket unavailable: %v", err)
			approvalSocket = nil
		}
	}

	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		advertiser = mdns.NewAdvertiser(mdns.Config{Port: srv.Port()})
		if err := advertiser.Start(); err != nil {
			// Advertisement is best effort; the host works without it.
			log.Printf("host: mdns advertisement unavailable: %v", err)
		} else {
			fmt.Fprintf(stdout, "Advertising via mDNS as %s\n", mdns.ServiceType)
		}
	}

	// Block until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Fprintln(stdout, "\nShutting down...")
	if advertiser != nil {
		advertiser.Stop()
	}
	if approvalSocket != nil {
		if err := approvalSocket.Stop(); err != nil {
			log.Printf("host: approval socket shutdown: %v", err)
		}
	}
	cancel()
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(stderr, "Error during shutdown: %v\n", err)
		return 1
	}
	return 0
}

// displayAccessConfig prints the onboarding info once the server is ready.
func displayAccessConfig(w io.Writer, ac access.AccessConfig, showQR bool) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         CONNECT YOUR DEVICE")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  Local:   %s\n", ac.LocalURL)
	if ac.TunnelURL != "" {
		fmt.Fprintf(w, "  Public:  %s\n", ac.TunnelURL)
		if ac.TunnelPassword != "" {
			fmt.Fprintf(w, "  Bypass:  %s\n", ac.TunnelPassword)
		}
	}
	fmt.Fprintf(w, "  Code:    %s\n", FormatCodeWithSpaces(ac.PairingCode))
	if ac.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires: %s\n", ac.ExpiresAt.Format("15:04:05"))
	}
	fmt.Fprintln(w, "")

	if showQR {
		target := ac.LocalURL
		if ac.TunnelURL != "" {
			target = ac.TunnelURL
		}
		qr, err := qrcode.New(target, qrcode.Medium)
		if err != nil {
			fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		} else {
			// Half-block characters keep the QR scannable in a
			// normal terminal without dominating it.
			fmt.Fprint(w, qr.ToSmallString(false))
		}
	}

	fmt.Fprintln(w, "  Enter the code in the musetap app to pair.")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// FormatCodeWithSpaces adds spaces between digits for readability.
// "123456" -> "1 2 3 4 5 6"
func FormatCodeWithSpaces(code string) string {
	result := ""
	for i, c := range code {
		if i > 0 {
			result += " "
		}
		result += string(c)
	}
	return result
}
