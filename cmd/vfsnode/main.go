package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	apihttp "raftvfs/internal/http"
	"raftvfs/pkg/cluster"
	"raftvfs/pkg/config"
	"raftvfs/pkg/consensus"
	"raftvfs/pkg/group"
	"raftvfs/pkg/metrics"
	"raftvfs/pkg/snapshot"
	"raftvfs/pkg/transport"
	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"
)

func main() {
	configPath := flag.String("config", envOr("RAFTVFS_CONFIG", "config.yaml"), "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "vfsnode:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := initLogger(&cfg)

	reg := metrics.NewRegistry()
	host := group.NewHost(cfg.Node.ID, logger)
	defer host.Close()

	for _, gc := range cfg.Groups {
		g, err := openGroup(&cfg, gc, logger, reg)
		if err != nil {
			return err
		}
		if err := host.Add(g); err != nil {
			g.Stop()
			return err
		}
	}

	// --- HTTP-сервер: клиентский API и входящие сообщения консенсуса ---
	server := apihttp.NewServer(host, strconv.Itoa(cfg.Server.Port),
		apihttp.WithMetrics(reg),
		apihttp.WithLogger(logger),
		apihttp.WithReadHeaderTimeout(time.Duration(cfg.Server.ReadHeaderTimeoutMs)*time.Millisecond),
	)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Error("error stopping server", "error", err)
		}
	}()

	// --- ZooKeeper membership ---
	if cfg.ZooKeeper.Enabled() {
		self := types.Peer{ID: cfg.Node.ID, Address: cfg.Node.Address}
		membership, err := cluster.NewZKMembership(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, self,
			cfg.ZooKeeper.SessionTimeout(), logger)
		if err != nil {
			return fmt.Errorf("connect to ZooKeeper: %w", err)
		}
		defer membership.Close()

		for _, id := range host.Groups() {
			if err := membership.RegisterSelf(id); err != nil {
				return fmt.Errorf("register in ZooKeeper: %w", err)
			}
			g, err := host.Group(id)
			if err != nil {
				return err
			}
			membership.RunWatch(ctx, id, g)
		}
	}

	logger.Info("vfs node running", "address", cfg.Node.Address, "groups", host.Groups())
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func openGroup(cfg *config.Config, gc config.GroupConfig, logger *slog.Logger, reg *metrics.Registry) (*group.Group, error) {
	tr := transport.NewHTTP(gc.ID, transport.WithLogger(logger))
	g, err := group.Open(group.Options{
		ID: gc.ID,
		Consensus: consensus.Config{
			ID:              cfg.Node.ID,
			Peers:           gc.Peers,
			TickInterval:    cfg.Raft.TickInterval(),
			ElectionTick:    cfg.Raft.ElectionTick,
			HeartbeatTick:   cfg.Raft.HeartbeatTick,
			MaxSizePerMsg:   cfg.Raft.MaxSizePerMsg,
			MaxInflightMsgs: cfg.Raft.MaxInflightMsgs,
			SendQueueSize:   cfg.Raft.SendQueueSize,
			CheckQuorum:     cfg.Raft.CheckQuorum,
			PreVote:         cfg.Raft.PreVote,
		},
		DataDir:  filepath.Join(cfg.Node.DataDir, fmt.Sprintf("group-%d", gc.ID)),
		Retain:   cfg.Snapshot.Retain,
		Snapshot: snapshot.Policy{Threshold: cfg.Snapshot.Threshold, CatchUpEntries: cfg.Snapshot.CatchUpEntries},
		Compress: cfg.Snapshot.Compress,
		Limits: vfs.Limits{
			MaxFileSize: cfg.VFS.MaxFileSize,
			MaxFiles:    cfg.VFS.MaxFiles,
			MaxBatchOps: cfg.VFS.MaxBatchOps,
		},
		Transport: tr,
		Logger:    logger,
		Metrics:   reg,
	})
	if err != nil {
		return nil, fmt.Errorf("open group %d: %w", gc.ID, err)
	}
	return g, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
