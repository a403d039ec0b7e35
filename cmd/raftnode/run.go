package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/consumer"
	"partitionlog/internal/raft/metrics"
	"partitionlog/internal/raft/server"
	"partitionlog/internal/raft/snapshot"
	"partitionlog/internal/raft/storage"
	"partitionlog/internal/raft/transport"
)

// nodeConfig merges the config file, if any, with the command line.
func nodeConfig(opts options) (server.Config, error) {
	cfg := server.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := server.LoadConfig(opts.configPath)
		if err != nil {
			return server.Config{}, err
		}
		cfg = loaded
	}

	if opts.id != "" {
		cfg.ID = raft.NodeID(opts.id)
	}
	if cfg.ID == "" {
		cfg.ID = raft.NodeID(uuid.NewString())
	}

	if len(opts.peers) > 0 || len(cfg.Members) == 0 {
		peers, err := parsePeers(opts.peers)
		if err != nil {
			return server.Config{}, err
		}
		cfg.Members = append([]raft.Member{{ID: cfg.ID, Address: opts.bindAddress}}, peers...)
	}
	return cfg, cfg.Validate()
}

// parsePeers reads members given as id=address.
func parsePeers(values []string) ([]raft.Member, error) {
	members := make([]raft.Member, 0, len(values))
	for _, v := range values {
		id, addr, ok := strings.Cut(strings.TrimSpace(v), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=address", v)
		}
		members = append(members, raft.Member{ID: raft.NodeID(id), Address: addr})
	}
	return members, nil
}

func run(ctx context.Context, opts options, log *zap.Logger) (err error) {
	cfg, err := nodeConfig(opts)
	if err != nil {
		return err
	}
	log = log.With(zap.String("node", string(cfg.ID)))

	dir := filepath.Join(opts.dataDir, string(cfg.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := storage.NewBboltStorage(filepath.Join(dir, "raft.db"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	snaps, err := snapshot.OpenFileStore(filepath.Join(dir, "snapshots"), log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, snaps.Close()) }()

	tr, err := transport.NewGRPCTransport(cfg.ID, cfg.Members, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, tr.Close()) }()

	kv := consumer.NewKV(log)
	prom := metrics.NewPrometheus(string(cfg.ID))
	stats := metrics.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(prom.PrometheusCollectors()...)

	node, err := server.NewNode(cfg, db, db, snaps, tr, server.NodeOptions{
		Logger:   log,
		Metrics:  metrics.Tee{prom, stats},
		Consumer: kv,
	})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", opts.bindAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.bindAddress, err)
	}
	grpcServer := transport.NewGRPCServer(node, log)
	httpServer := &http.Server{
		Addr:              opts.httpAddress,
		Handler:           newHandler(node, kv, registry, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()
	log.Info("Serving",
		zap.String("grpc", opts.bindAddress),
		zap.String("http", opts.httpAddress),
		zap.Int("members", len(cfg.Members)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		snapshotLoop(ctx, node, kv, opts.snapshotInterval, log)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		grpcServer.GracefulStop()
		shutdownCtx, cancel := withShutdownTimeout()
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	if opts.reportPath != "" {
		report := stats.GetReport(string(cfg.ID))
		err = multierr.Append(err, report.SaveJSON(opts.reportPath))
	}
	return err
}

// snapshotLoop periodically snapshots the key-value state so the log can be compacted.
func snapshotLoop(ctx context.Context, node *server.Node, kv *consumer.KV, interval time.Duration, log *zap.Logger) {
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
		}

		data, index, err := kv.Snapshot()
		if err != nil {
			log.Error("Failed to encode key-value state", zap.Error(err))
			continue
		}
		if index == 0 {
			continue
		}
		meta, err := node.TakeSnapshot(ctx, index, data)
		switch {
		case errors.Is(err, snapshot.ErrStale):
			// Nothing applied since the last snapshot
		case err != nil:
			log.Warn("Failed to take snapshot", zap.Uint64("index", index), zap.Error(err))
		default:
			log.Debug("Snapshot taken", zap.Stringer("snapshot", meta))
		}
	}
}
