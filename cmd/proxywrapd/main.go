// proxywrapd accepts PROXY-protocol traffic from a load balancer and
// forwards the stripped stream to a backend, exposing the real client
// addresses to logs and metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netfilt/proxywrap"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:          "proxywrapd",
		Short:        "PROXY-protocol terminating TCP forwarder",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := proxywrap.NewMetrics(reg)

	allowed, err := cfg.Proxy.allowedNets()
	if err != nil {
		return err
	}

	l, err := proxywrap.Listen("tcp", cfg.Listen, proxywrap.Options{
		Strict:                 cfg.Proxy.Strict,
		IgnoreStrictExceptions: cfg.Proxy.IgnoreStrictExceptions,
		OverrideRemote:         cfg.Proxy.OverrideRemote,
		Timeout:                cfg.Proxy.Timeout,
		AllowedProxies:         allowed,
		Logger:                 logger,
		Metrics:                metrics,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	logger.Info("proxywrapd started",
		zap.String("listen", cfg.Listen),
		zap.String("target", cfg.Target),
		zap.Bool("strict", cfg.Proxy.Strict))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

		g.Go(func() error {
			logger.Info("metrics endpoint up", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return forwardLoop(ctx, l, cfg.Target, logger)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		if metricsSrv != nil {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shCtx)
		}
		return l.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, proxywrap.ErrListenerClosed) {
		return err
	}
	logger.Info("proxywrapd stopped")
	return nil
}

// forwardLoop accepts intercepted connections and splices each to the
// backend target.
func forwardLoop(ctx context.Context, l *proxywrap.Listener, target string, logger *zap.Logger) error {
	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go forward(c, target, logger)
	}
}

func forward(inbound net.Conn, target string, logger *zap.Logger) {
	defer inbound.Close()

	session := uuid.NewString()
	log := logger.With(
		zap.String("session", session),
		zap.String("remote", inbound.RemoteAddr().String()))
	if hdr := proxywrap.ProxyInfo(inbound); hdr != nil && hdr.Source != nil {
		log = log.With(zap.String("client", hdr.Source.String()))
	}

	outbound, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		log.Error("backend dial failed", zap.Error(err))
		return
	}
	defer outbound.Close()

	log.Debug("session established", zap.String("backend", target))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(outbound, inbound)
		if t, ok := outbound.(*net.TCPConn); ok {
			t.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(inbound, outbound)
		if t, ok := inbound.(interface{ CloseWrite() error }); ok {
			t.CloseWrite()
		}
	}()
	wg.Wait()

	log.Debug("session closed")
}
