// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"ledgerStore/internal/batch"
	"ledgerStore/internal/engine"
	"ledgerStore/internal/events"
	"ledgerStore/internal/executor"
	"ledgerStore/internal/merkle"
	"ledgerStore/internal/statedb"
	"ledgerStore/pkg/config"
	"ledgerStore/pkg/health"
	"ledgerStore/pkg/httpapi"
	"ledgerStore/pkg/log"
	"ledgerStore/pkg/metrics"
	"ledgerStore/pkg/reliability"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	storage := flag.String("storage", "", "storage backend: memory, leveldb or rocksdb (overrides config)")
	dataDir := flag.String("data-dir", "", "state database directory (overrides config)")
	listen := flag.String("listen", "", "HTTP API listen address (overrides config)")

	flag.Parse()

	cfg, err := config.LoadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *storage != "" {
		cfg.Node.Storage.Backend = *storage
	}
	if *dataDir != "" {
		cfg.Node.Storage.Path = *dataDir
	}
	if *listen != "" {
		cfg.Node.HTTP.ListenAddress = *listen
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := log.InitFromConfig(&cfg.Node.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg); err != nil {
		log.Error("ledger node stopped with error", log.Err(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	n := cfg.Node
	logger := log.GetLogger().Zap().With(zap.String("node_id", n.NodeID))

	recoverPanics := n.Reliability.EnablePanicRecovery
	reliability.SetPanicHandler(func(name string, v interface{}, _ []byte) {
		_ = log.Sync()
		if !recoverPanics {
			panic(fmt.Sprintf("%s: %v", name, v))
		}
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// 状态数据库
	db, err := statedb.Open(statedb.Config{
		Backend: n.Storage.Backend,
		Path:    n.Storage.Path,
		Indexes: merkle.Indexes(),
		LevelDB: statedb.LevelDBOptions{
			BlockCacheCapacity: n.Storage.LevelDB.BlockCacheCapacity,
			WriteBuffer:        n.Storage.LevelDB.WriteBuffer,
			Sync:               n.Storage.LevelDB.Sync,
		},
		RocksDB: statedb.RocksDBOptions{
			BlockCacheSize:        n.Storage.RocksDB.BlockCacheSize,
			WriteBufferSize:       n.Storage.RocksDB.WriteBufferSize,
			MaxWriteBufferNumber:  n.Storage.RocksDB.MaxWriteBufferNumber,
			MaxBackgroundJobs:     n.Storage.RocksDB.MaxBackgroundJobs,
			BloomFilterBitsPerKey: n.Storage.RocksDB.BloomFilterBitsPerKey,
			MaxOpenFiles:          n.Storage.RocksDB.MaxOpenFiles,
			UseFsync:              n.Storage.RocksDB.UseFsync,
			Sync:                  n.Storage.RocksDB.Sync,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	logger.Info("state database opened",
		zap.String("backend", n.Storage.Backend),
		zap.String("path", n.Storage.Path))

	store := merkle.New(db, merkle.WithMetrics(m))
	validator := reliability.NewDataValidator(reliability.DefaultValidationLimits)

	exec, err := executor.New(executor.Config{
		Workers:   n.Executor.Workers,
		QueueSize: n.Executor.QueueSize,
	}, store, logger, m, executor.NewKVHandler(validator))
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create executor: %w", err)
	}

	dealer := events.NewDealer(events.Config{
		HistorySize:      n.Events.HistorySize,
		MaxSubscribers:   n.Events.MaxSubscribers,
		SubscriberBuffer: n.Events.SubscriberBuffer,
	}, logger, m)

	eng, err := engine.New(engine.Config{
		ExecutionTimeout: n.Engine.ExecutionTimeout,
		HistoryLimit:     n.Engine.HistoryLimit,
		AdminKeys:        n.Engine.AdminKeys,
	}, engine.Dependencies{
		Store:     store,
		Index:     store,
		Pipeline:  exec,
		Publisher: dealer,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		dealer.Stop()
		db.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seq := batch.NewSequencer(batch.Config{
		MaxBatchSize: n.Sequencer.MaxBatchSize,
		MaxWait:      n.Sequencer.MaxWait,
		QueueSize:    n.Sequencer.QueueSize,
	}, eng, logger.Named("sequencer"))
	seq.Start(ctx)

	// 健康检查
	hs := health.NewMonitor(
		health.WithNodeID(n.NodeID),
		health.WithLogger(logger),
		health.WithMetrics(m),
	)
	hs.Add(
		engine.NewHealthChecker(eng),
		health.NewQueueChecker("sequencer", func() (int, int) {
			return seq.Stats().QueueLen, n.Sequencer.QueueSize
		}, 80),
	)
	if n.Storage.Backend != statedb.BackendMemory {
		hs.Add(health.NewDiskChecker("disk", n.Storage.Path, 1<<30, 90))
	}

	limits := reliability.DefaultLimits
	limits.MaxRequestSize = n.HTTP.MaxBodySize
	// long polls on /batch_statuses must fit in the request timeout
	limits.RequestTimeout = n.HTTP.MaxStatusWait + 5*time.Second

	deps := httpapi.Dependencies{
		Engine:    eng,
		Submitter: seq,
		Validator: validator,
		Resources: reliability.NewResourceManager(limits),
		Health:    hs,
		Metrics:   m,
		Logger:    logger,
	}

	var metricsServer *metrics.MetricsServer
	if n.Monitoring.EnablePrometheus {
		if n.Monitoring.MetricsAddress == "" {
			deps.Registry = registry
		} else {
			metricsServer = metrics.NewMetricsServer(n.Monitoring.MetricsAddress, registry, nil, logger)
		}
	}

	api, err := httpapi.NewServer(httpapi.Config{
		ListenAddress:  n.HTTP.ListenAddress,
		RateLimitQPS:   n.HTTP.RateLimitQPS,
		RateLimitBurst: n.HTTP.RateLimitBurst,
		MaxStatusWait:  n.HTTP.MaxStatusWait,
		MaxBodySize:    n.HTTP.MaxBodySize,
		ReadTimeout:    n.HTTP.ReadTimeout,
		WriteTimeout:   n.HTTP.WriteTimeout,
	}, deps)
	if err != nil {
		_ = seq.Stop(ctx)
		_ = eng.Close()
		db.Close()
		return err
	}

	gs := reliability.NewGracefulShutdown(n.Reliability.ShutdownTimeout)
	registerShutdownHooks(gs, shutdownTargets{
		api:           api,
		health:        hs,
		metricsServer: metricsServer,
		sequencer:     seq,
		engine:        eng,
		db:            db,
		cancel:        cancel,
		drainTimeout:  n.Reliability.DrainTimeout,
		logger:        logger,
	})

	var serveErr atomic.Value
	serve := func(name string, start func() error) {
		reliability.SafeGo(name, func() {
			if err := start(); err != nil {
				serveErr.Store(fmt.Errorf("%s: %w", name, err))
				logger.Error("server failed, shutting down", zap.String("server", name), zap.Error(err))
				_ = gs.Shutdown()
			}
		})
	}
	serve("http-api", api.Start)
	if metricsServer != nil {
		serve("metrics-server", metricsServer.Start)
	}

	logger.Info("ledger node started",
		zap.String("listen", n.HTTP.ListenAddress),
		zap.String("root", string(eng.CurrentRoot())))

	var result *multierror.Error
	if err := gs.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err, ok := serveErr.Load().(error); ok {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

type shutdownTargets struct {
	api           *httpapi.Server
	health        *health.Monitor
	metricsServer *metrics.MetricsServer
	sequencer     *batch.Sequencer
	engine        *engine.Engine
	db            statedb.Database
	cancel        context.CancelFunc
	drainTimeout  time.Duration
	logger        *zap.Logger
}

func registerShutdownHooks(gs *reliability.GracefulShutdown, t shutdownTargets) {
	gs.RegisterHook(reliability.PhaseStopAccepting, func(ctx context.Context) error {
		t.health.Drain()
		return t.api.Shutdown(ctx)
	})
	if t.metricsServer != nil {
		gs.RegisterHook(reliability.PhaseStopAccepting, func(ctx context.Context) error {
			return t.metricsServer.Shutdown(ctx)
		})
	}

	// 排空已接受的批次
	gs.RegisterHook(reliability.PhaseDrainConnections, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.drainTimeout)
		defer cancel()
		if err := t.sequencer.Stop(ctx); err != nil {
			t.logger.Warn("sequencer did not drain in time", zap.Error(err))
			return err
		}
		st := t.sequencer.Stats()
		t.logger.Info("sequencer drained",
			zap.Int64("committed", st.Committed),
			zap.Int64("rejected", st.Rejected),
			zap.Int64("failed", st.Failed))
		return nil
	})

	gs.RegisterHook(reliability.PhasePersistState, func(ctx context.Context) error {
		t.cancel()
		return t.engine.Close()
	})

	gs.RegisterHook(reliability.PhaseCloseResources, func(ctx context.Context) error {
		err := t.db.Close()
		_ = log.Sync()
		return err
	})
}
