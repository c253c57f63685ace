package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hostcall/config"
	"hostcall/discovery"
	"hostcall/handlers"
	"hostcall/memory"
	"hostcall/middleware"
	"hostcall/registry"
	"hostcall/server"
)

// session is one device session: its dispatcher and where it listens.
type session struct {
	device memory.DeviceID
	listen string
	addr   string // Bound address, set once the listener is open
	server *server.Server
}

func newDomain(cfg config.Config, log *zap.Logger) (*memory.Domain, error) {
	d := memory.NewDomain()
	for _, s := range cfg.Sessions {
		if err := d.AddDevice(memory.DeviceID(s.Device), uint64(s.Capacity)); err != nil {
			return nil, err
		}
		log.Info("device memory attached",
			zap.Uint32("device", s.Device),
			zap.String("capacity", humanize.IBytes(uint64(s.Capacity))))
	}
	return d, nil
}

func newScratch(cfg config.Config) *memory.ScratchPool {
	return memory.NewScratchPool(cfg.Server.ScratchIdle, int(cfg.Server.ScratchMax))
}

func newDiscovery(cfg config.Config, log *zap.Logger) (discovery.Discovery, error) {
	if len(cfg.Discovery.EtcdEndpoints) == 0 {
		return discovery.NewStatic(), nil
	}
	return discovery.NewEtcdDiscovery(cfg.Discovery.EtcdEndpoints, log.Named("discovery"))
}

func newPrometheus() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) (*middleware.Metrics, error) {
	return middleware.NewMetrics(reg)
}

type sessionDeps struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Domain    *memory.Domain
	Scratch   *memory.ScratchPool
	Discovery discovery.Discovery
	Metrics   *middleware.Metrics
}

// newSessions builds a registry with the built-in services and a dispatcher for every
// configured device.
func newSessions(d sessionDeps) ([]*session, error) {
	sessions := make([]*session, 0, len(d.Config.Sessions))
	for _, sc := range d.Config.Sessions {
		device := memory.DeviceID(sc.Device)
		log := d.Log.With(zap.String("session", discovery.SessionName(device)))

		reg := registry.New()
		svcs := handlers.New(d.Domain, handlers.WithLogger(log), handlers.WithScratch(d.Scratch))
		if err := handlers.RegisterDefaults(reg, registry.DeviceSession{Device: device}, svcs); err != nil {
			return nil, err
		}

		srv := server.NewServer(reg,
			server.WithLogger(log),
			server.WithSession(device),
			server.WithDiscovery(d.Discovery, sc.Advertise, d.Config.Discovery.TTL),
		)
		srv.Use(d.Metrics.Middleware())
		srv.Use(middleware.LoggingMiddleware(log))
		if d.Config.Server.RateLimit > 0 {
			srv.Use(middleware.RateLimitMiddleware(d.Config.Server.RateLimit, d.Config.Server.Burst))
		}

		sessions = append(sessions, &session{device: device, listen: sc.Listen, server: srv})
	}
	return sessions, nil
}

type hookDeps struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     config.Config
	Log        *zap.Logger
	Sessions   []*session
	Discovery  discovery.Discovery
	Ops        http.Handler `name:"ops"`
}

func registerHooks(d hookDeps) {
	var ops *http.Server
	if d.Config.Server.MetricsAddr != "" {
		ops = &http.Server{
			Addr:         d.Config.Server.MetricsAddr,
			Handler:      d.Ops,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	d.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Bind every listener before serving any, so a bad address fails startup
			listeners := make([]net.Listener, 0, len(d.Sessions))
			for _, s := range d.Sessions {
				l, err := net.Listen("tcp", s.listen)
				if err != nil {
					for _, open := range listeners {
						open.Close()
					}
					return err
				}
				s.addr = l.Addr().String()
				listeners = append(listeners, l)
			}
			for i, s := range d.Sessions {
				go func(s *session, l net.Listener) {
					if err := s.server.ServeListener(l); err != nil {
						d.Log.Error("session stopped", zap.String("session", s.server.Session()), zap.Error(err))
						d.Shutdowner.Shutdown(fx.ExitCode(1))
					}
				}(s, listeners[i])
			}

			if ops != nil {
				d.Log.Info("ops server starting", zap.String("addr", ops.Addr))
				go func() {
					if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Log.Error("ops server failed", zap.Error(err))
						d.Shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			timeout := time.Duration(d.Config.Server.ShutdownTimeout)
			var g errgroup.Group
			for _, s := range d.Sessions {
				g.Go(func() error { return s.server.Shutdown(timeout) })
			}
			err := g.Wait()

			if ops != nil {
				err = multierr.Append(err, ops.Shutdown(ctx))
			}
			if c, ok := d.Discovery.(io.Closer); ok {
				err = multierr.Append(err, c.Close())
			}
			d.Log.Info("hostcalld stopped", zap.Error(err))
			return err
		},
	})
}
