// Package app wires the node's components together for the serve command.
package app

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/pltester/internal/config"
	"github.com/NodePath81/pltester/internal/geo"
	"github.com/NodePath81/pltester/internal/metrics"
	"github.com/NodePath81/pltester/internal/netinfo"
	"github.com/NodePath81/pltester/internal/server"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/NodePath81/pltester/internal/version"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	discoveryTimeout = 5 * time.Second
	shutdownTimeout  = 2 * time.Second
)

type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	metrics *metrics.Metrics
	status  *server.StatusStore
	echo    *server.EchoManager
	geo     *geo.Service
	server  *server.Server
	wg      sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewMetrics(version.Version)
	hub := server.NewStatusHub(ctx.Done(), m)
	status := server.NewStatusStore(hub)
	echo := server.NewEchoManager(server.EchoConfig{
		BindAddr:        cfg.Server.BindAddr,
		PublicIP:        explicitPublicIP(cfg.Server),
		STUNServers:     cfg.Server.STUNServers,
		PortMin:         uint16(cfg.Server.UDPPortMin),
		PortMax:         uint16(cfg.Server.UDPPortMax),
		IncludeLoopback: cfg.Server.IncludeLoopback,
		Idle:            cfg.Server.SessionIdle.Duration(),
		MaxSessions:     cfg.Server.MaxSessions,
	}, status, m, logger)

	geoSvc, err := geo.Open(cfg.GeoIP, explicitPublicIP(cfg.Server), publicIPResolver(cfg.Server), logger)
	if err != nil {
		cancel()
		return nil, err
	}
	srv := server.New(cfg, echo, status, geoSvc, m, logger)
	srv.SetRestart(restartFn)

	return &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: m,
		status:  status,
		echo:    echo,
		geo:     geoSvc,
		server:  srv,
	}, nil
}

// Start brings up the HTTP server while the public address is discovered
// and the node's own geolocation is warmed.
func (r *Runtime) Start() error {
	if r.cfg.Control.AuthToken == "" {
		r.logger.Warn("control.auth_token is empty; metrics, identity and rpc are unauthenticated")
	}
	g, ctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		return r.server.Start(r.ctx)
	})
	if strings.EqualFold(r.cfg.Server.PublicIP, config.PublicIPAuto) {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
			defer cancel()
			ip, err := netinfo.DiscoverPublicIP(dctx, r.cfg.Server.STUNServers)
			if err != nil {
				r.logger.Warn("public address discovery failed", "error", err)
				return nil
			}
			r.server.SetReflexiveIP(ip)
			r.logger.Info("public address discovered", "ip", ip.String())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = r.Stop()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		wctx, cancel := context.WithTimeout(r.ctx, discoveryTimeout)
		defer cancel()
		entry := r.geo.ServerEntry(wctx)
		r.logger.Debug("node geolocation", "ip", entry.IP, "success", entry.Success, "message", entry.Message)
	}()
	return nil
}

// Stop closes every echo session and shuts the server down.
func (r *Runtime) Stop() error {
	r.cancel()
	r.echo.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := r.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		r.logger.Warn("server shutdown timed out")
		err = nil
	}
	r.wg.Wait()
	return multierr.Append(err, r.geo.Close())
}

// Addr is the server's listen address once started.
func (r *Runtime) Addr() net.Addr {
	return r.server.Addr()
}

func explicitPublicIP(cfg config.ServerConfig) string {
	if strings.EqualFold(cfg.PublicIP, config.PublicIPAuto) {
		return ""
	}
	return cfg.PublicIP
}

func publicIPResolver(cfg config.ServerConfig) geo.Resolver {
	servers := cfg.STUNServers
	if len(servers) == 0 {
		return nil
	}
	return func(ctx context.Context) (net.IP, error) {
		return netinfo.DiscoverPublicIP(ctx, servers)
	}
}
