// Scanner runner: one pass over the configured device inventory.
//
// Reads DATABASE_URL from the environment, loads the device/rule
// configuration from a YAML file, and runs the scan pass once. Exits 0
// even when individual devices failed — their diagnostics are logged to
// stderr and the pass's results remain durably persisted — and non-zero
// only on a bootstrap failure (bad config, unreachable database).
//
// Usage:
//
//	scanner-runner --config /etc/scanner/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetcheck/scanner/internal/config"
	"github.com/fleetcheck/scanner/internal/domain"
	"github.com/fleetcheck/scanner/internal/repository/crypto"
	"github.com/fleetcheck/scanner/internal/repository/postgres"
	"github.com/fleetcheck/scanner/internal/scanner"
	"github.com/fleetcheck/scanner/internal/sshsession"
)

var flagConfig = flag.String("config", "/etc/scanner/config.yaml", "Config file path")

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	keyHex := os.Getenv("SCANNER_ENVELOPE_KEY")
	if keyHex == "" {
		log.Fatal("SCANNER_ENVELOPE_KEY is required (hex-encoded 256-bit key; see crypto.GenerateKey)")
	}
	envelope, err := crypto.NewEnvelope(keyHex)
	if err != nil {
		log.Fatalf("load envelope key: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("shutdown signal: %v", sig)
		cancel()
	}()

	db, err := postgres.Open(ctx, dsn, envelope)
	if err != nil {
		log.Fatalf("open repository: %v", err)
	}
	defer db.Close()

	opts := seedOrchestratorOptions(cfg)
	orch := scanner.New(db, opts...)

	if err := loadDevices(ctx, db, cfg); err != nil {
		log.Fatalf("seed device inventory: %v", err)
	}

	if err := orch.Run(ctx, cfg.Settings.ExclusionIDs); err != nil {
		if report, ok := err.(*scanner.RunReport); ok {
			for _, failure := range report.Failures {
				log.Printf("device failed: %v", failure)
			}
			os.Exit(0)
		}
		log.Fatalf("scan pass bootstrap failed: %v", err)
	}
}

func seedOrchestratorOptions(cfg *config.Config) []scanner.Option {
	var opts []scanner.Option

	if cfg.Settings.MaxInFlight > 0 {
		opts = append(opts, scanner.WithMaxInFlight(cfg.Settings.MaxInFlight))
	}
	if cfg.Settings.CommandTimeoutSeconds > 0 {
		opts = append(opts, scanner.WithCommandTimeout(time.Duration(cfg.Settings.CommandTimeoutSeconds)*time.Second))
	}
	if cfg.Settings.KnownHostsPath != "" {
		policy := sshsession.NewKnownHostsPolicy(cfg.Settings.KnownHostsPath)
		opts = append(opts, scanner.WithHostKeyPolicy(func(domain.Device) sshsession.HostKeyPolicy {
			return policy
		}))
	}
	return opts
}

// deviceLister is the narrow read used to avoid re-creating a device the
// config already provisioned in an earlier run.
type deviceLister interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	CreateDevice(ctx context.Context, d domain.Device) (domain.Device, error)
}

// loadDevices ensures every device named in cfg exists in the repository,
// matching on (address, username). The config loader and this sync step
// are boundary concerns, not part of the scan execution core.
func loadDevices(ctx context.Context, repo deviceLister, cfg *config.Config) error {
	existing, err := repo.ListDevices(ctx)
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(existing))
	for _, d := range existing {
		have[d.Address+"\x00"+d.Username] = true
	}

	for _, d := range cfg.Devices {
		if have[d.Address+"\x00"+d.Username] {
			continue
		}
		if _, err := repo.CreateDevice(ctx, domain.Device{
			Address:  d.Address,
			Username: d.Username,
			Password: d.Password,
		}); err != nil {
			return err
		}
	}
	return nil
}
