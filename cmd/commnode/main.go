// Command commnode runs a broadcast node with a line-oriented shell on stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	p2p "github.com/commlink/go-p2p"
	golog "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	libp2pLogLevel := flag.String("libp2p-log-level", "error", "log level for libp2p subsystems")
	dial := flag.String("dial", "", "peer address to dial once started")
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := golog.SetLogLevel("*", *libp2pLogLevel); err != nil {
		logger.Warnf("[Main] invalid libp2p log level %q: %v", *libp2pLogLevel, err)
	}

	config := p2p.DefaultConfig()
	if *configPath != "" {
		if config, err = p2p.LoadConfig(*configPath); err != nil {
			logger.Fatalf("[Main] %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := p2p.NewNode(ctx, logger, config)
	if err != nil {
		logger.Fatalf("[Main] failed to create node: %v", err)
	}

	if err := node.Start(ctx); err != nil {
		logger.Fatalf("[Main] failed to start node: %v", err)
	}

	if config.MetricsAddress != "" {
		go serveMetrics(logger, config.MetricsAddress, node)
	}

	if *dial != "" {
		if _, err := node.Bridge().Dial(*dial); err != nil {
			logger.Errorf("[Main] cannot dial %s: %v", *dial, err)
		}
	}

	sh := newShell(node, os.Stdin, os.Stdout)
	if err := sh.run(ctx); err != nil && !errors.Is(err, errQuit) {
		logger.Errorf("[Main] shell stopped: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := node.Stop(stopCtx); err != nil {
		logger.Errorf("[Main] error stopping node: %v", err)
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return l.Sugar(), nil
}

func serveMetrics(logger p2p.Logger, addr string, node p2p.NodeI) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Infof("[Main] serving metrics on %s/metrics", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("[Main] metrics server stopped: %v", err)
	}
}
