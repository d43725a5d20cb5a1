package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"hiomapd/config"
	"hiomapd/discovery"
	"hiomapd/hiomap"
	"hiomapd/ipmitransport"
	"hiomapd/logs"
	"hiomapd/lpcio"
	"hiomapd/server"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	os.MkdirAll(cfg.Logs.Path, 0755)
	logFile, err := os.OpenFile(cfg.Logs.Path+"/hiomapd.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		log.SetOutput(logFile)
	}

	log.Infof("Starting hiomapd v%s", Version)
	log.Infof("  BMH API: %s (namespace: %s)", cfg.Discovery.BMHURL, cfg.Discovery.Namespace)
	log.Infof("  Trace log path: %s", cfg.Logs.Path)
	log.Infof("  Web port: %d", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	traceLog := logs.NewWriter(cfg.Logs.Path, cfg.Logs.RetentionDays)
	defer traceLog.Close()

	dataDir := filepath.Dir(cfg.Logs.Path) // e.g. /var/lib/data from /var/lib/data/logs

	cache := discovery.NewCache(dataDir)
	scanner := discovery.NewScanner(cfg.Discovery.BMHURL)
	scanner.Seed(cache.Load())

	for _, t := range cfg.Targets {
		scanner.AddTarget(t.Name, t.Host)
	}

	connect := makeConnector(cfg)
	manager := hiomap.NewManager(connect, cfg.Logs.Path, traceLog)

	scanner.OnChange(func(targets map[string]*discovery.Target) {
		cache.Save(targets)
		for name, tgt := range targets {
			state := manager.GetTarget(name)
			username, password := tgt.Username, tgt.Password
			if username == "" {
				username = cfg.IPMI.Username
			}
			if password == "" {
				password = cfg.IPMI.Password
			}

			switch {
			case tgt.Online && state == nil:
				log.Infof("Starting HIOMAP session for %s (%s)", name, tgt.IP)
				manager.StartTarget(hiomap.TargetConfig{Name: name, Host: tgt.IP, Username: username, Password: password})
			case !tgt.Online && state != nil:
				log.Infof("Stopping HIOMAP session for %s (target offline)", name)
				manager.StopTarget(name)
			}
		}
	})

	srv := server.New(cfg.Server.Port, scanner, manager, traceLog, cfg.Targets, Version)

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				traceLog.Cleanup()
			}
		}
	}()

	go scanner.Run(ctx)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// makeConnector builds the hiomap.Connector that dials the IPMI
// transport and opens the LPC window device for a target, keeping
// hiomap/ itself free of any dependency on ipmitransport or lpcio.
func makeConnector(cfg *config.Config) hiomap.Connector {
	return func(ctx context.Context, target hiomap.TargetConfig) (*hiomap.Device, error) {
		transport, err := ipmitransport.Dial(ctx, ipmitransport.Config{
			Host:     target.Host,
			Username: target.Username,
			Password: target.Password,
			Timeout:  10 * time.Second,
			Logf: func(format string, args ...interface{}) {
				log.Debugf("[ipmitransport "+target.Name+"] "+format, args...)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", target.Name, err)
		}

		windowIO, err := lpcio.Open(lpcio.Options{
			Path:       cfg.Window.LPCPath,
			WindowSize: cfg.Window.WindowSizeBytes,
		})
		if err != nil {
			transport.Close()
			return nil, fmt.Errorf("open lpc window for %s: %w", target.Name, err)
		}

		return hiomap.NewDevice(transport, windowIO), nil
	}
}
