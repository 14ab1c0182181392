package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"akiralink/pkg/appmgr"
	"akiralink/pkg/client"
	"akiralink/pkg/config"
	"akiralink/pkg/observability"
	"akiralink/pkg/ota"
	"akiralink/pkg/protocol"
	"akiralink/pkg/transport/mem"
	"akiralink/pkg/transport/ws"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("akiralinkd started", zap.String("device", cfg.DeviceID))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	c := client.New(
		client.WithHeartbeat(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
	)

	otaEng := ota.New(&nullFlash{}, c,
		ota.WithComplete(func(success bool, detail string) {
			zap.L().Info("firmware transfer finished", zap.Bool("success", success), zap.String("detail", detail))
		}))
	appEng := appmgr.New(&logInstaller{}, c,
		appmgr.WithSlots(cfg.MaxAppDownloads),
		appmgr.WithMaxAppSize(uint32(cfg.MaxAppSizeKB)*1024),
		appmgr.WithAutoStart(cfg.AutoStartApps),
		appmgr.WithComplete(func(appID string, success bool, detail string) {
			zap.L().Info("app transfer finished",
				zap.String("app", appID), zap.Bool("success", success), zap.String("detail", detail))
		}))
	c.AttachOTA(otaEng)
	c.AttachApps(appEng)
	c.OnStateChange(func(src protocol.Source, st client.ConnState) {
		zap.L().Info("connection state", zap.Stringer("source", src), zap.Stringer("state", st))
	})

	// loopback link for internally generated traffic
	loopA, _ := mem.Pair()
	c.AttachLink(protocol.SourceInternal, loopA)
	_ = c.Connect(protocol.SourceInternal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AutoConnect {
		go dialServer(ctx, c, cfg)
	}

	c.Start()
	defer func() { _ = c.Close() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	zap.L().Info("shutting down", zap.String("signal", s.String()))
	return 0
}

// dialServer connects the cloud source, redialing per config while the
// context lives.
func dialServer(ctx context.Context, c *client.Client, cfg *config.Config) {
	delay := time.Duration(cfg.ReconnectDelayMS) * time.Millisecond
	for {
		link, err := ws.Dial(ctx, cfg.ServerURL)
		if err == nil {
			c.AttachLink(protocol.SourceCloud, link)
			_ = c.Connect(protocol.SourceCloud)
			zap.L().Info("server connected", zap.String("url", cfg.ServerURL))
			return
		}
		zap.L().Warn("server dial failed", zap.String("url", cfg.ServerURL), zap.Error(err))
		if !cfg.AutoReconnect {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nullFlash discards firmware bytes. The real device streams them into
// its update partition.
type nullFlash struct{ total uint32 }

func (f *nullFlash) Start(total uint32) error {
	f.total = total
	zap.L().Info("flash slot opened", zap.Uint32("size", total))
	return nil
}

func (f *nullFlash) Write(offset uint32, data []byte) error {
	zap.L().Debug("flash write", zap.Uint32("offset", offset), zap.Int("len", len(data)))
	return nil
}

func (f *nullFlash) Finalize() error {
	zap.L().Info("flash slot finalized")
	return nil
}

func (f *nullFlash) Abort() error {
	zap.L().Info("flash slot aborted")
	return nil
}

// logInstaller logs installs instead of writing to app storage.
type logInstaller struct{}

func (logInstaller) Upload(meta protocol.AppMetadata, data []byte) error {
	zap.L().Info("app uploaded", zap.String("app", meta.AppID), zap.Int("bytes", len(data)))
	return nil
}

func (logInstaller) Start(appID string) error {
	zap.L().Info("app started", zap.String("app", appID))
	return nil
}
