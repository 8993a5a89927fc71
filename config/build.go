package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/synqronlabs/mxgate"
	"github.com/synqronlabs/mxgate/abuse"
	"github.com/synqronlabs/mxgate/dns"
	"github.com/synqronlabs/mxgate/filter"
	"github.com/synqronlabs/mxgate/listener"
	"github.com/synqronlabs/mxgate/policy"
	"github.com/synqronlabs/mxgate/spf"
	"github.com/synqronlabs/mxgate/spool"
	"github.com/synqronlabs/mxgate/telemetry"
)

// Runtime is what the binary needs to serve the configuration.
type Runtime struct {
	Core      *mxgate.Core
	Manager   *mxgate.Manager
	Server    *listener.Server
	Instances []*listener.Instance
	// ACME is nil unless enabled.
	ACME *autocert.Manager

	closers []io.Closer
}

// Close releases the listeners and files opened by Build.
func (r *Runtime) Close() error {
	var first error
	if r.Server != nil {
		first = r.Server.Close()
	}
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build creates the listeners and the session core. Sessions observe
// shutdown; reg receives the metrics and may be nil.
func Build(cfg *Config, shutdown context.Context, logger *slog.Logger, reg prometheus.Registerer) (_ *Runtime, err error) {
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	sinks := []telemetry.Sink{telemetry.NewLogSink(logger)}
	if reg != nil {
		sinks = append(sinks, telemetry.NewMetricsSink(reg))
	}
	var journal *telemetry.Journal
	if cfg.Journal.File != "" {
		w := &lumberjack.Logger{Filename: cfg.Journal.File, MaxSize: cfg.Journal.MaxSizeMB}
		rt.closers = append(rt.closers, w)
		journal = telemetry.NewJournal(w, cfg.Journal.Buffer, logger)
		sinks = append(sinks, journal)
	}
	sink := telemetry.Multi(sinks...)

	core, err := buildCore(cfg, logger)
	if err != nil {
		if journal != nil {
			_ = journal.Stop(context.Background())
		}
		return nil, err
	}
	core.Journal = journal
	rt.Core = core
	rt.Manager = mxgate.NewManager(core)
	defer func() {
		if err != nil {
			rt.Manager.Shutdown(context.Background())
		}
	}()

	blocked, err := listener.NetworksFromStrings(cfg.Abuse.BlockList)
	if err != nil {
		return nil, fmt.Errorf("config: blocklist: %w", err)
	}
	blocks := abuse.NewBlockList(blocked...)
	if cfg.Abuse.LoiterLimit > 0 {
		core.LoiterBan = abuse.NewLoiterBan(cfg.Abuse.LoiterLimit, cfg.Abuse.LoiterWindow, cfg.Abuse.LoiterBan, blocks)
	}

	tlsConfig, err := rt.buildTLS(cfg)
	if err != nil {
		return nil, err
	}

	serverConfig := listener.ServerConfig{
		Manager:   rt.Manager,
		BlockList: blocks,
		Logger:    logger,
	}
	if rt.ACME != nil {
		serverConfig.ACME = rt.ACME
	}
	rt.Server, err = listener.NewServer(serverConfig)
	if err != nil {
		return nil, err
	}

	for _, lc := range cfg.Listeners {
		inst, err := buildInstance(lc, tlsConfig, cfg.TLS, shutdown)
		if err != nil {
			return nil, err
		}
		inst.Sink = sink
		inst.Logger = logger
		if reg != nil {
			telemetry.RegisterInFlight(reg, inst.ID, inst.Limiter.Active)
		}
		if err := rt.Server.Bind(inst, lc.Bind...); err != nil {
			return nil, err
		}
		rt.Instances = append(rt.Instances, inst)
	}
	return rt, nil
}

func buildCore(cfg *Config, logger *slog.Logger) (*mxgate.Core, error) {
	p := cfg.Session
	if p.Hostname == nil && cfg.Hostname != "" {
		p.Hostname = policy.Const(cfg.Hostname)
	}

	core := &mxgate.Core{
		Policy:  &p,
		Scripts: cfg.Scripts,
		Logger:  logger,
	}
	if !cfg.DNS.DisableSPF {
		resolver := dns.NewResolver(dns.ResolverConfig{
			Nameservers: cfg.DNS.Nameservers,
			Timeout:     cfg.DNS.Timeout,
		})
		core.SPF = spf.NewVerifier(resolver, cfg.DNS.SPFTimeout)
	}

	for _, m := range cfg.Milters {
		stages, err := parseStages(m.Stages)
		if err != nil {
			return nil, fmt.Errorf("config: milter %s: %w", m.Name, err)
		}
		core.Filters = append(core.Filters, filter.NewMilter(filter.MilterConfig{
			Options: filter.Options{Name: m.Name, Stages: stages, TempFailOnError: m.TempFailOnError},
			Network: m.Network,
			Address: m.Address,
			Timeout: m.Timeout,
		}))
	}
	for _, h := range cfg.Hooks {
		stages, err := parseStages(h.Stages)
		if err != nil {
			return nil, fmt.Errorf("config: hook %s: %w", h.Name, err)
		}
		core.Filters = append(core.Filters, filter.NewHook(filter.HookConfig{
			Options:   filter.Options{Name: h.Name, Stages: stages, TempFailOnError: h.TempFailOnError},
			URL:       h.URL,
			Timeout:   h.Timeout,
			AuthToken: h.AuthToken,
			Headers:   h.Headers,
			MaxBody:   h.MaxBody,
		}))
	}

	if len(cfg.Users) > 0 {
		core.Authenticator = Users(cfg.Users)
	}
	if cfg.Abuse.ConnectionRate > 0 {
		core.RateLimiter = abuse.NewRateLimiter(cfg.Abuse.ConnectionRate, cfg.Abuse.RateWindow)
	}

	queue, err := spool.New(cfg.Spool.Dir)
	if err != nil {
		return nil, err
	}
	core.Deliverer = queue
	return core, nil
}

func parseStages(names []string) ([]filter.Stage, error) {
	stages := make([]filter.Stage, 0, len(names))
	for _, n := range names {
		switch s := filter.Stage(strings.ToLower(n)); s {
		case filter.StageConnect, filter.StageEhlo, filter.StageMail, filter.StageRcpt, filter.StageData:
			stages = append(stages, s)
		default:
			return nil, fmt.Errorf("unknown stage %q", n)
		}
	}
	return stages, nil
}

// buildTLS returns the server TLS configuration, or nil when no listener
// needs one. With ACME the certificates come from autocert and the
// TLS-ALPN-01 responder is kept for implicit listeners.
func (rt *Runtime) buildTLS(cfg *Config) (*tls.Config, error) {
	if cfg.ACME.Enabled {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cfg.ACME.CacheDir),
			HostPolicy: autocert.HostWhitelist(cfg.ACME.Domains...),
			Email:      cfg.ACME.Email,
		}
		if cfg.ACME.DirectoryURL != "" {
			m.Client = &acme.Client{DirectoryURL: cfg.ACME.DirectoryURL}
		}
		rt.ACME = m
		return m.TLSConfig(), nil
	}
	if cfg.TLS.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func buildInstance(lc ListenerConfig, tlsConfig *tls.Config, tc TLSConfig, shutdown context.Context) (*listener.Instance, error) {
	var acceptor listener.Acceptor = listener.Plain{}
	switch lc.TLS {
	case TLSStartTLS, TLSImplicit:
		if tlsConfig == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingCert, lc.ID)
		}
		acceptor = &listener.TLS{
			Config:           tlsConfig,
			Implicit:         lc.TLS == TLSImplicit,
			HandshakeTimeout: tc.HandshakeTimeout,
		}
	}

	inst := listener.NewInstance(lc.ID, lc.Protocol, acceptor, listener.NewConcurrencyLimiter(lc.MaxConnections), shutdown)
	proxies, err := listener.NetworksFromStrings(lc.ProxyNetworks)
	if err != nil {
		return nil, fmt.Errorf("config: listener %s: %w", lc.ID, err)
	}
	if len(proxies) > 0 {
		inst.ProxyNetworks = proxies
	}
	return inst, nil
}
