package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/synqronlabs/mxgate/config"
	"github.com/synqronlabs/mxgate/listener"
)

// drainTimeout bounds how long running sessions may take after shutdown.
const drainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	boot := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(boot)
	if err != nil {
		return err
	}

	logger, logFile := newLogger(cfg.Log)
	if logFile != nil {
		defer logFile.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := config.Build(cfg, ctx, logger, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := rt.Server.Serve(gctx)
		if errors.Is(err, listener.ErrServerClosed) {
			return nil
		}
		return err
	})
	if cfg.Admin.Addr != "" {
		admin := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           adminHandler(rt, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin endpoint started", slog.String("addr", admin.Addr))
			if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(sctx)
		})
	}

	err = g.Wait()
	stop()

	logger.Info("shutting down, draining sessions", slog.Duration("timeout", drainTimeout))
	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if werr := rt.Server.Wait(dctx); werr != nil {
		logger.Warn("sessions still running at exit", slog.Any("error", werr))
	}
	rt.Manager.Shutdown(dctx)
	return err
}

// newLogger builds the process logger. A configured file receives the same
// records as stdout and is rotated by size.
func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	var (
		out    io.Writer = os.Stdout
		closer io.Closer
	)
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out, closer = io.MultiWriter(os.Stdout, file), file
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts)), closer
	}
	return slog.New(slog.NewTextHandler(out, opts)), closer
}

type listenerStatus struct {
	ID       string   `json:"id"`
	Protocol string   `json:"protocol"`
	TLS      bool     `json:"tls"`
	Active   int64    `json:"active"`
	Max      uint64   `json:"max,omitempty"`
	Addrs    []string `json:"addrs"`
	Closing  bool     `json:"closing"`
}

func adminHandler(rt *config.Runtime, reg *prometheus.Registry) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/listeners", func(c *gin.Context) {
		addrs := rt.Server.Addrs()
		out := make([]listenerStatus, 0, len(rt.Instances))
		for _, inst := range rt.Instances {
			st := listenerStatus{
				ID:       inst.ID,
				Protocol: inst.Protocol.String(),
				TLS:      inst.Acceptor.IsTLS(),
				Active:   inst.Limiter.Active(),
				Max:      inst.Limiter.Max(),
				Closing:  inst.IsShuttingDown(),
			}
			for _, a := range addrs[inst.ID] {
				st.Addrs = append(st.Addrs, a.String())
			}
			out = append(out, st)
		}
		c.JSON(http.StatusOK, out)
	})
	return r
}
