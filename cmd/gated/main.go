package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/actuation-gate/audit"
	"github.com/ruteri/actuation-gate/cmd/flags"
	"github.com/ruteri/actuation-gate/consensus"
	"github.com/ruteri/actuation-gate/gate"
	"github.com/ruteri/actuation-gate/httpserver"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/ruteri/actuation-gate/ledger"
	"github.com/ruteri/actuation-gate/metrics"
	"github.com/ruteri/actuation-gate/snapshot"
	"github.com/ruteri/actuation-gate/targets"
	"github.com/ruteri/actuation-gate/transport"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}
var flagNodeID = &cli.StringFlag{
	Name:  "node-id",
	Value: "gate",
	Usage: "node id this gate confirms ledger transactions with",
}
var flagVotersFile = &cli.StringFlag{
	Name:     "voters-file",
	Required: true,
	Usage:    "JSON file with consensus voter public keys",
}
var flagSwarmsFile = &cli.StringFlag{
	Name:  "swarms-file",
	Usage: "JSON file with swarm controller endpoints; envelopes are only logged when unset",
}
var flagAuditRingSize = &cli.IntFlag{
	Name:  "audit-ring-size",
	Value: 4096,
	Usage: "number of audit records kept for the admin API",
}
var flagConsensusWait = &cli.DurationFlag{
	Name:  "consensus-wait",
	Value: 15 * time.Second,
	Usage: "how long a submission blocks on consensus before it is parked",
}
var flagConsensusTimeout = &cli.DurationFlag{
	Name:  "consensus-timeout",
	Value: 10 * time.Second,
	Usage: "how long a consensus decision stays open",
}

var flagSafetyPerimeter = &cli.Float64Flag{
	Name:  "safety-perimeter",
	Value: targets.DefaultConfig().SafetyPerimeter,
	Usage: "clearance added around every target's precision radius",
}

func gatedFlags() []cli.Flag {
	fs := []cli.Flag{
		flagListenAddr,
		flagNodeID,
		flagVotersFile,
		flagSwarmsFile,
		flagAuditRingSize,
		flagConsensusWait,
		flagConsensusTimeout,
		flagSafetyPerimeter,
	}
	fs = append(fs, flags.CommonFlags...)
	fs = append(fs, validatorFlags...)
	fs = append(fs, storageFlags...)
	return append(fs, bootstrapFlags...)
}

func main() {
	app := &cli.App{
		Name:  "gated",
		Usage: "Gate commands to an actuation network behind authorization, consensus and a ledger",
		Flags: gatedFlags(),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			if err := run(cCtx, logger); err != nil {
				logger.Error("gated failed", "err", err)
				return err
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serverCfg, err := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	var m *metrics.Metrics
	if serverCfg.Metrics != nil {
		m = serverCfg.Metrics.Metrics()
	}

	ring := audit.NewRing(cCtx.Int(flagAuditRingSize.Name))
	sink := audit.Multi{audit.NewLogSink(logger.With("component", "audit")), ring}

	// Ledger
	ledgerCfg := ledger.DefaultConfig()
	ledgerCfg.Validators, err = resolveValidators(cCtx, logger)
	if err != nil {
		return err
	}
	ledgerCfg.ConfirmationThreshold = cCtx.Int(flagConfirmationThreshold.Name)
	ledgerCfg.Log = logger.With("component", "ledger")
	ledgerCfg.Metrics = m
	l, err := ledger.New(ledgerCfg)
	if err != nil {
		return err
	}

	// Keys and targets
	ksCfg := keystore.DefaultConfig()
	ksCfg.Anchor = l.TailHash
	ksCfg.Log = logger.With("component", "keystore")
	keys, err := keystore.New(ksCfg)
	if err != nil {
		return err
	}
	targetCfg := targets.DefaultConfig()
	targetCfg.SafetyPerimeter = cCtx.Float64(flagSafetyPerimeter.Name)
	targetCfg.Log = logger.With("component", "targets")
	reg, err := targets.New(targetCfg, keys)
	if err != nil {
		return err
	}

	// Consensus
	votersData, err := os.ReadFile(cCtx.String(flagVotersFile.Name))
	if err != nil {
		return fmt.Errorf("failed to read voters file: %w", err)
	}
	consCfg := consensus.DefaultConfig()
	consCfg.Voters, err = consensus.LoadVoters(votersData)
	if err != nil {
		return err
	}
	consCfg.Timeout = cCtx.Duration(flagConsensusTimeout.Name)
	consCfg.Log = logger.With("component", "consensus")
	consCfg.Audit = sink
	consCfg.Metrics = m
	coord, err := consensus.New(consCfg, keys)
	if err != nil {
		return err
	}
	defer coord.Close()
	logger.Info("Consensus voters loaded", "count", len(consCfg.Voters))

	// Delivery
	tr, err := setupTransport(cCtx, logger)
	if err != nil {
		return err
	}

	gateCfg := gate.DefaultConfig()
	gateCfg.NodeID = cCtx.String(flagNodeID.Name)
	gateCfg.ConsensusWait = cCtx.Duration(flagConsensusWait.Name)
	gateCfg.Log = logger.With("component", "gate")
	gateCfg.Audit = sink
	gateCfg.Metrics = m
	g, err := gate.New(gateCfg, gate.Deps{
		Keys:      keys,
		Targets:   reg,
		Ledger:    l,
		Consensus: coord,
		Transport: tr,
	})
	if err != nil {
		return err
	}

	snapshots, err := setupSnapshots(cCtx, logger)
	if err != nil {
		return err
	}
	state := snapshot.State{Keys: keys, Targets: reg, Ledger: l}

	// The server starts before the master key exists so admins can recover it.
	adminH, err := setupAdmin(cCtx, logger, keys, snapshots, ring)
	if err != nil {
		return err
	}
	server, err := httpserver.New(serverCfg, nil, adminH)
	if err != nil {
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()

	if err := bootstrap(ctx, cCtx, logger, keys, snapshots, state, adminH); err != nil {
		return err
	}

	svc := httpserver.Services{Gate: g, Keys: keys, Targets: reg, Ledger: l, Consensus: coord}
	handler, err := httpserver.NewHandler(svc, logger.With("component", "api"))
	if err != nil {
		return err
	}
	if adminH != nil {
		if err := adminH.SetServices(svc); err != nil {
			return err
		}
	}
	server.SetHandler(handler)
	logger.Info("Gate is operational", "nodeID", gateCfg.NodeID, "targets", reg.Count(), "ledgerHeight", l.Tail().BlockNumber)

	go g.Run(ctx)
	if snapshots != nil {
		go saveSnapshots(ctx, logger, snapshots, state, cCtx.Duration(flagSnapshotInterval.Name))
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	server.Drain()

	if snapshots != nil {
		saveCtx, cancelSave := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelSave()
		if _, err := snapshots.Save(saveCtx, state); err != nil {
			logger.Error("Final snapshot failed", "err", err)
		}
	}
	return nil
}

func setupTransport(cCtx *cli.Context, logger *slog.Logger) (interfaces.Transport, error) {
	swarmsFile := cCtx.String(flagSwarmsFile.Name)
	if swarmsFile == "" {
		logger.Warn("No swarms file configured, envelopes will only be logged")
		return transport.NewLogTransport(logger.With("component", "transport")), nil
	}

	f, err := os.Open(swarmsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open swarms file: %w", err)
	}
	defer f.Close()
	endpoints, err := transport.LoadEndpoints(f)
	if err != nil {
		return nil, err
	}
	logger.Info("Swarm endpoints loaded", "count", len(endpoints))
	return transport.NewHTTPTransport(endpoints, 10*time.Second, logger.With("component", "transport"))
}

func setupAdmin(cCtx *cli.Context, logger *slog.Logger, keys *keystore.Store, snapshots *snapshot.Store, ring *audit.Ring) (*httpserver.AdminHandler, error) {
	adminKeysFile := cCtx.String(flagAdminKeysFile.Name)
	if adminKeysFile == "" {
		logger.Warn("No admin keys file configured, admin API disabled")
		return nil, nil
	}

	logger.Info("Loading admin keys", "file", adminKeysFile)
	f, err := os.Open(adminKeysFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin keys file: %w", err)
	}
	defer f.Close()

	adminKeys, err := httpserver.LoadAdminKeys(f)
	if err != nil {
		return nil, err
	}
	logger.Info("Admin keys loaded successfully", "count", len(adminKeys))

	return httpserver.NewAdminHandler(httpserver.AdminConfig{
		AdminPubKeys: adminKeys,
		Keys:         keys,
		Snapshots:    snapshots,
		Audit:        ring,
		Log:          logger.With("component", "admin"),
	})
}

func saveSnapshots(ctx context.Context, logger *slog.Logger, snapshots *snapshot.Store, state snapshot.State, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := snapshots.Save(ctx, state); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Periodic snapshot failed", "err", err)
			}
		}
	}
}
