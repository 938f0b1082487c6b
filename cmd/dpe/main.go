// Command dpe runs a DPE node: it joins the NATS cluster, answers control commands and
// hosts the services deployed on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/dpe/internal/admin"
	"github.com/wehubfusion/dpe/internal/alerting"
	"github.com/wehubfusion/dpe/internal/tracing"
	"github.com/wehubfusion/dpe/pkg/concurrency"
	"github.com/wehubfusion/dpe/pkg/config"
	"github.com/wehubfusion/dpe/pkg/dpe"
	"github.com/wehubfusion/dpe/pkg/engines/all"
	"github.com/wehubfusion/dpe/pkg/loader"
	"github.com/wehubfusion/dpe/pkg/storage"
	"github.com/wehubfusion/dpe/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the node YAML configuration")
	descriptors := flag.String("engines", "", "path to an engine descriptor file")
	flag.Parse()

	if err := run(*configPath, *descriptors); err != nil {
		fmt.Fprintf(os.Stderr, "dpe: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, descriptors string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name := dpe.NodeName(cfg.Host, cfg.Port, cfg.Lang)
	logger = logger.With(zap.String("node", name))

	traceCfg := tracing.DefaultConfig(name)
	traceCfg.OTLPEndpoint = cfg.Tracing.Endpoint
	traceCfg.SampleRatio = cfg.Tracing.SampleRatio
	shutdownTracing, err := tracing.Setup(ctx, traceCfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tracing.Shutdown(shutdownTracing, logger) }()

	var faults alerting.Reporter = alerting.NopReporter{}
	if cfg.Sentry.DSN != "" {
		r, err := alerting.NewSentryReporter(alerting.Config{
			DSN:          cfg.Sentry.DSN,
			Environment:  cfg.Sentry.Environment,
			ServerName:   name,
			ReportErrors: cfg.Sentry.ReportErrors,
		}, logger)
		if err != nil {
			return err
		}
		faults = r
	}

	nt, err := transport.DialNATS(ctx, transport.NATSConfig{
		URL:      cfg.NATS.URL,
		Name:     name,
		Token:    cfg.NATS.Token,
		Username: cfg.NATS.Username,
		Password: cfg.NATS.Password,
	}, logger)
	if err != nil {
		return err
	}

	registrar, err := newRegistrar(ctx, cfg, nt)
	if err != nil {
		_ = nt.Close()
		return err
	}

	var blobs storage.BlobStore
	if cfg.Blob.ConnectionString != "" {
		if blobs, err = storage.NewAzureBlobClient(cfg.Blob.ConnectionString, cfg.Blob.Container, logger); err != nil {
			_ = nt.Close()
			return err
		}
	}

	engines := loader.NewRegistry()
	if err := all.Register(engines, all.Deps{Blobs: blobs, Logger: logger}); err != nil {
		_ = nt.Close()
		return err
	}
	if descriptors != "" {
		if err := engines.LoadDescriptors(descriptors); err != nil {
			_ = nt.Close()
			return err
		}
	}
	engines.ApplyAliases(cfg.Engines)

	node, err := dpe.NewNode(dpe.Options{
		Host:             cfg.Host,
		Port:             cfg.Port,
		Lang:             cfg.Lang,
		Session:          cfg.Session,
		FrontEndHost:     cfg.FrontEnd.Host,
		FrontEndPort:     cfg.FrontEnd.Port,
		FrontEndLang:     cfg.FrontEnd.Lang,
		ReportPeriod:     cfg.ReportPeriod,
		ShutdownGrace:    cfg.ShutdownGrace,
		DefaultPoolSize:  cfg.DefaultPoolSize,
		Transport:        nt,
		Registrar:        registrar,
		Loader:           engines,
		Blobs:            blobs,
		OffloadThreshold: cfg.Blob.OffloadThreshold,
		Faults:           faults,
		Tracer:           tracing.Tracer(),
		Logger:           logger,
	})
	if err != nil {
		_ = nt.Close()
		return err
	}
	if err := node.Start(ctx); err != nil {
		_ = node.Stop(context.Background())
		return err
	}
	logger.Info("Node started",
		zap.String("session", node.Session()),
		zap.String("frontEnd", node.FrontEnd()),
		zap.Strings("engines", engines.Classes()))

	var srv *admin.Server
	if cfg.Admin.Addr != "" {
		srv = admin.New(cfg.Admin.Addr, node, logger.Named("admin"))
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("Admin server failed", zap.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-node.Done():
		logger.Info("Node stopped by control command")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown failed", zap.Error(err))
		}
	}
	return node.Stop(shutdownCtx)
}

// newRegistrar picks the discovery backend. The KV bucket is created by the front-end only.
func newRegistrar(ctx context.Context, cfg *config.NodeConfig, nt *transport.NATSTransport) (transport.Registrar, error) {
	switch cfg.Registrar.Kind {
	case config.RegistrarNATS:
		return transport.NewKVRegistrar(ctx, nt.Conn(), cfg.Registrar.Bucket, cfg.FrontEnd.Host == "")
	case config.RegistrarRedis:
		return transport.NewRedisRegistrar(ctx, transport.RedisRegistrarConfig{
			Addr: cfg.Registrar.RedisAddr,
			DB:   cfg.Registrar.RedisDB,
			Key:  cfg.Registrar.RedisKey,
		})
	default:
		return transport.NewMemoryRegistrar(), nil
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
