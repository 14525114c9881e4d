package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fosrl/newt/logger"

	"github.com/ternfw/tern/api"
	"github.com/ternfw/tern/device"
	"github.com/ternfw/tern/engine"
	"github.com/ternfw/tern/metrics"
	"github.com/ternfw/tern/outbound"
	"github.com/ternfw/tern/policy"
	"github.com/ternfw/tern/tcp"
	"github.com/ternfw/tern/udp"
)

func main() {
	// Create a context that will be cancelled on interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runTernWithArgs(ctx, os.Args[1:])
}

func runTernWithArgs(ctx context.Context, args []string) {
	logger.Init(nil)

	// Load configuration from file, env vars, and CLI args
	// Priority: CLI args > Env vars > Config file > Defaults
	config, showVersion, showConfig, err := LoadConfig(args)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return
	}

	if showConfig {
		config.ShowConfig()
		os.Exit(0)
	}

	ternVersion := "version_replaceme"
	if showVersion {
		fmt.Println("Tern version " + ternVersion)
		os.Exit(0)
	}

	logger.GetLogger().SetLevel(parseLogLevel(config.LogLevel))
	logger.Info("Tern version %s", ternVersion)

	tunnelAddr, err := netip.ParsePrefix(config.TunnelAddr)
	if err != nil {
		logger.Fatal("Invalid tunnel address %q: %v", config.TunnelAddr, err)
	}

	dev, err := device.Setup(device.SetupConfig{
		Name:  config.InterfaceName,
		Addr:  tunnelAddr,
		MTU:   config.MTU,
		Mark:  config.Mark,
		Table: config.RouteTable,
	})
	if err != nil {
		logger.Fatal("Failed to set up interface: %v", err)
	}

	m := &metrics.Metrics{}
	names := policy.NewNameCache()
	rules := buildPolicy(config)

	dial := &outbound.NetFactory{
		ConnectTimeout: config.ConnectTimeoutDuration,
		Control:        outbound.MarkControl(config.Mark),
	}

	var apiServer *api.API

	tcpEng := tcp.NewEngine(tcp.Config{
		Writer:         dev,
		Dial:           dial,
		Policy:         rules,
		Names:          names,
		Metrics:        m,
		MTU:            config.MTU,
		ReadBound:      config.ReadBoundDuration,
		IdleReflect:    config.IdleReflectDuration,
		SocketAlive:    config.SocketAliveDuration,
		ConnectTimeout: config.ConnectTimeoutDuration,
		OnEvent: func(ev tcp.Event) {
			if apiServer != nil {
				apiServer.PublishEvent(ev)
			}
		},
	})

	udpEng := udp.NewEngine(udp.Config{
		Writer:      dev,
		Dial:        dial,
		Policy:      rules,
		Names:       names,
		Metrics:     m,
		MTU:         config.MTU,
		ReadBound:   config.ReadBoundDuration,
		IdleTimeout: config.UDPIdleDuration,
	})

	eng := engine.New(engine.Config{
		Device:  dev,
		TCP:     tcpEng,
		UDP:     udpEng,
		Metrics: m,
	})

	apiShutdown := make(<-chan struct{})
	if config.EnableAPI {
		if config.SocketPath != "" {
			apiServer = api.NewSocket(config.SocketPath, tcpEng, udpEng, m, ternVersion)
		} else {
			apiServer = api.New(config.APIAddr, tcpEng, udpEng, m, ternVersion)
		}
		if err := apiServer.Start(); err != nil {
			logger.Fatal("Failed to start API server: %v", err)
		}
		apiShutdown = apiServer.ShutdownChannel()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, cleaning up...")
	case <-apiShutdown:
		logger.Info("Shutdown requested via API, cleaning up...")
	case err := <-runErr:
		if err != nil {
			logger.Error("Engine stopped: %v", err)
		}
	}

	eng.Shutdown()
	if apiServer != nil {
		apiServer.Stop()
	}
	logger.Info("Shutdown complete")
}

// buildPolicy assembles the rule set from configuration. With no rules
// configured everything is allowed.
func buildPolicy(config *TernConfig) policy.Policy {
	if len(config.BlockedDomains) == 0 && len(config.BlockedPorts) == 0 && len(config.BlockedPrefixes) == 0 {
		return policy.AllowAll{}
	}

	rules := policy.NewRuleSet()
	for _, domain := range config.BlockedDomains {
		if domain = strings.TrimSpace(domain); domain != "" {
			rules.BlockDomain(domain)
		}
	}
	for _, port := range config.BlockedPorts {
		rules.BlockPort(port)
	}
	for _, raw := range config.BlockedPrefixes {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			logger.Warn("Ignoring invalid blocked prefix %q: %v", raw, err)
			continue
		}
		rules.BlockPrefix(prefix)
	}
	return rules
}

func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return logger.DEBUG
	case "WARN":
		return logger.WARN
	case "ERROR":
		return logger.ERROR
	case "FATAL":
		return logger.FATAL
	default:
		return logger.INFO
	}
}
