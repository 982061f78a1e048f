// Command clusterdemo wires up a Cluster Pool and Failover Executor against
// the hosts named in configuration, runs a handful of sample operations,
// and then serves the health probe loop until interrupted.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clusterpool/pkg/cluster"
	"clusterpool/pkg/config"
	"clusterpool/pkg/env"
	"clusterpool/pkg/failover"
	"clusterpool/pkg/host"
	"clusterpool/pkg/logger"
	"clusterpool/pkg/metrics"
	"clusterpool/pkg/pool"
	"clusterpool/pkg/transport"
)

func main() {
	logger.Init(env.GetLogLevel())
	cfg, err := config.Load("cluster_config.json")
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger.Init(cfg.LogLevel)

	logger.Info("starting clusterdemo", "cluster", cfg.ClusterName)

	if len(cfg.Hosts) == 0 {
		logger.Error("no hosts configured; set CLUSTERPOOL_HOSTS or cluster_config.json")
		os.Exit(1)
	}

	hosts := make([]host.Host, 0, len(cfg.Hosts))
	for _, hc := range cfg.Hosts {
		hosts = append(hosts, hc.ToHost())
	}
	logger.Info("hosts configured", "count", len(hosts))

	factory := transport.TCPFactory{}
	clus := cluster.New(cfg.ClusterName, factory, hosts)
	clus.StartProbeLoop(cfg.Probe.IntervalOrDefault())

	sink := metrics.NewMapSink()
	executor := failover.NewExecutor(clus, cfg.Failover.Policy(), transport.DefaultClassifier, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runSampleOperations(ctx, executor)

	logger.Info("clusterdemo running; press Ctrl-C to stop")
	<-ctx.Done()

	logger.Info("shutting down", "counters", sink.Snapshot())
	clus.Shutdown()
}

func runSampleOperations(ctx context.Context, executor *failover.Executor) {
	op := func(ctx context.Context, conn *pool.Connection, level failover.ConsistencyLevel) (string, error) {
		reply, err := conn.Call(ctx, []byte("PING"))
		if err != nil {
			return "", err
		}
		return string(reply), nil
	}

	for i := 0; i < 3; i++ {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		result, err := failover.Execute(callCtx, executor, failover.ConsistencyQuorum, op)
		cancel()
		if err != nil {
			logger.Warn("sample operation failed", "attempt", i, "err", err)
			continue
		}
		logger.Info("sample operation succeeded", "attempt", i, "result", result)
	}
}
