// Command rspd joins one RSP multicast group and relays bytes between it
// and stdio, for manual testing and as a reference integration of pkg/stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"

	"github.com/rspnet/rsp/internal/config"
	"github.com/rspnet/rsp/pkg/logger"
	"github.com/rspnet/rsp/pkg/stream"
)

func main() {
	configPath := flag.String("config", "/etc/rspd/rspd.yaml", "path to rspd config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Banner("rspd", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	s, err := stream.Listen(ctx, cfg.RSPConfig(), log)
	if err != nil {
		log.Error().Err(err).Msg("failed to join rsp group")
		os.Exit(1)
	}
	defer s.Close()

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(s.Metrics())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	logger.Section("relaying group traffic to stdout, stdin to group")
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := s.Read(buf)
			if err != nil {
				if err != io.EOF {
					log.Warn().Err(err).Msg("read from group failed")
				}
				return
			}
			os.Stdout.Write(buf[:n])
		}
	}()

	if _, err := io.Copy(s, os.Stdin); err != nil && err != io.EOF {
		log.Error().Err(err).Msg("write to group failed")
		os.Exit(1)
	}

	<-ctx.Done()
}
