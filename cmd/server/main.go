// Command server runs the BuddyChat IM server.
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

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/buddychat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.buddychat/server.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	tcpPort := flag.Int("port", 0, "TCP port (overrides config)")
	flag.Parse()

	if err := run(*configPath, *debug, *tcpPort); err != nil {
		logrus.WithError(err).Error("server failed")
		os.Exit(1)
	}
}

func run(configPath string, debug bool, tcpPort int) error {
	tomlConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if debug {
		config.Debug = true
	}
	if tcpPort > 0 {
		config.TCPPort = tcpPort
	}

	if err := server.InitLogging(config); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"config":    configPath,
		"data_dir":  config.DataDir,
		"backend":   config.StoreBackend,
		"tcp":       config.TCPPort,
		"ws":        config.WSPort,
		"ssh":       config.SSHPort,
		"encrypted": config.SharedSecret != "",
	}).Info("Starting BuddyChat server")

	srv, err := server.NewServer(config)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		srv.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if config.MetricsPort > 0 {
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", config.MetricsPort),
			Handler:           srv.MetricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logrus.Infof("Metrics listening on %s", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("Shutdown signal received")
		return srv.Stop()
	})

	return g.Wait()
}
