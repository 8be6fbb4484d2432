// Package main provides the entry point for the hostfs bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/ajaxzhan/hostfs-bridge/internal/config"
	"github.com/ajaxzhan/hostfs-bridge/internal/fuse"
	"github.com/ajaxzhan/hostfs-bridge/internal/hostfs"
	"github.com/ajaxzhan/hostfs-bridge/internal/logging"
	"github.com/ajaxzhan/hostfs-bridge/internal/metrics"
	"github.com/ajaxzhan/hostfs-bridge/internal/vfs"
)

var _ = (vfs.Provider)((*hostfs.Manager)(nil))

// flags holds the command-line overrides. Empty values leave the
// configuration untouched.
type flags struct {
	configPath  string
	mountPath   string
	workDir     string
	metricsAddr string
	logLevel    string
	volumes     []string
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	flagSet := pflag.NewFlagSet("hostfs-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", "", "Path to configuration file (YAML)")
	flagSet.StringVar(&f.mountPath, "mount", "", "FUSE mount path (overrides config)")
	flagSet.StringVar(&f.workDir, "workdir", "", "Guest working directory (overrides config)")
	flagSet.StringVar(&f.metricsAddr, "metrics-addr", "", "Address to serve /metrics on (overrides config)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flagSet.StringArrayVar(&f.volumes, "volume", nil, "Extra volume as source:mount_point[:mode], repeatable")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

// apply overrides cfg with the flags that were set.
func (f *flags) apply(cfg *config.Config) error {
	if f.mountPath != "" {
		cfg.Mount.Path = f.mountPath
	}
	if f.workDir != "" {
		cfg.WorkDir = f.workDir
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	for _, arg := range f.volumes {
		v, err := parseVolume(arg)
		if err != nil {
			return err
		}
		cfg.Volumes = append(cfg.Volumes, v)
	}
	return nil
}

// parseVolume parses source:mount_point[:mode].
func parseVolume(arg string) (config.VolumeConfig, error) {
	parts := strings.Split(arg, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return config.VolumeConfig{}, fmt.Errorf("invalid volume %q: want source:mount_point[:mode]", arg)
	}
	v := config.VolumeConfig{Source: parts[0], MountPoint: parts[1]}
	if len(parts) == 3 {
		v.Mode = parts[2]
	}
	return v, nil
}

// bindVolumes opens every configured volume and binds it in order. A volume
// that cannot be opened is logged and skipped.
func bindVolumes(manager *hostfs.Manager, volumes []config.VolumeConfig) {
	for _, v := range volumes {
		mode, err := v.AccessMode()
		if err != nil {
			logging.Error("Invalid volume mode", logging.String("source", v.Source), logging.Err(err))
			continue
		}
		source, err := filepath.Abs(v.Source)
		if err != nil {
			logging.Error("Invalid volume source", logging.String("source", v.Source), logging.Err(err))
			continue
		}
		vol, bound, err := hostfs.OpenVolume(source, mode)
		if err != nil {
			logging.Error("Failed to open volume", logging.String("source", source), logging.Err(err))
			continue
		}
		id := manager.Bind(v.MountPoint, bound, vol, v.Rules...)
		logging.Info("Volume bound",
			logging.Volume(id),
			logging.String("source", source),
			logging.String("mount_point", v.MountPoint),
			logging.String("mode", string(bound)),
		)
	}
}

// serveMetrics serves /metrics from reg until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Metrics server listening", logging.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("Metrics server failed", logging.Err(err))
	}
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Failed to parse flags: %v", err)
	}

	// Precedence: flags, then environment, then file
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Failed to apply environment: %v", err)
	}
	if err := f.apply(cfg); err != nil {
		log.Fatalf("Failed to apply flags: %v", err)
	}

	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	if err := cfg.Validate(); err != nil {
		logging.Fatal("Invalid configuration", logging.Err(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, reg)
	}

	manager := hostfs.NewManager()
	defer func() {
		if err := manager.Shutdown(); err != nil {
			logging.Warn("Failed to release host resources", logging.Err(err))
		}
	}()
	bindVolumes(manager, cfg.Volumes)

	bridge := vfs.New(manager, vfs.Options{
		ReservedNames: cfg.Overlay.ReservedNames,
		WorkDir:       cfg.WorkDir,
		Metrics:       metrics.New(reg),
	})
	if err := bridge.Bootstrap(); err != nil {
		logging.Fatal("Failed to bootstrap guest filesystem", logging.Err(err))
	}

	if err := os.MkdirAll(cfg.Mount.Path, 0755); err != nil {
		logging.Fatal("Failed to create mount path", logging.Err(err))
	}
	srv, err := fuse.NewServer(bridge, fuse.Options{
		MountPoint: cfg.Mount.Path,
		AllowOther: cfg.Mount.AllowOther,
		Debug:      cfg.Mount.Debug,
		FsName:     cfg.Mount.FsName,
	})
	if err != nil {
		logging.Fatal("Failed to create FUSE server", logging.Err(err))
	}

	logging.Info("Starting hostfs bridge...",
		logging.String("mount_path", cfg.Mount.Path),
		logging.String("work_dir", bridge.Cwd()),
		logging.Int("volumes", len(manager.ListVolumes())),
	)
	if err := srv.Mount(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("FUSE server failed", logging.Err(err))
		return
	}
	logging.Info("Shutting down hostfs bridge...")
}
