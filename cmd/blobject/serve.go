package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/channel/natschan"
	"github.com/creachadair/blobject/handler"
	"github.com/creachadair/blobject/internal/config"
	"github.com/creachadair/blobject/internal/promexport"
	"github.com/creachadair/blobject/peers"
	"github.com/creachadair/blobject/servants"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var serveFlags struct {
	Listen  string        `flag:"listen,Override the listen address"`
	Timeout time.Duration `flag:"dispatch-timeout,Override the dispatch timeout"`
	Metrics string        `flag:"metrics,Override the metrics address"`
}

var serveCmd = &command.C{
	Name: "serve",
	Help: `Serve a set of demonstration objects.

The peer listens on a TCP address or Unix socket path, or on a NATS subject if
a NATS URL is configured. The following objects are served:

  echo      : operations echo (asynchronous) and upper (synchronous)
  clock     : operation now, returning the current time
  sleep     : operation wait, sleeping for a duration given as a parameter
  refuse    : every operation raises the user exception ::Demo::Refused
  servants  : operation list, returning the registered identities

If a metrics address is set, Prometheus metrics are served at /metrics, and
the raw counters as JSON at /debug/vars.`,
	SetFlags: command.Flags(flax.MustBind, &serveFlags),
	Run:      runServe,
}

func runServe(env *command.Env) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.Listen != "" {
		cfg.Listen = serveFlags.Listen
	}
	if serveFlags.Timeout > 0 {
		cfg.DispatchTimeout = serveFlags.Timeout
	}
	if serveFlags.Metrics != "" {
		cfg.MetricsAddr = serveFlags.Metrics
	}

	objs, err := demoServants()
	if err != nil {
		return err
	}
	base := blobject.NewPeer().
		Serve(objs).
		Logger(log).
		DispatchTimeout(cfg.DispatchTimeout).
		OnExit(func(err error) {
			if err != nil {
				log.Warn("peer exited", "err", err)
			}
		})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	g := taskgroup.New(nil)
	if cfg.MetricsAddr != "" {
		srv, err := metricsServer(cfg.MetricsAddr, base)
		if err != nil {
			return err
		}
		log.Info("serving metrics", "addr", srv.Addr)
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	acc, closer, err := accepter(cfg, log)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	defer closer()

	err = peers.Loop(ctx, acc, base)
	cancel()
	return errors.Join(err, g.Wait())
}

// accepter returns an Accepter for the configured transport, and a function
// to release its resources.
func accepter(cfg *config.Config, log *slog.Logger) (peers.Accepter, func(), error) {
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("blobject"),
			nats.Timeout(10*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("NATS disconnected", "err", err)
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		lst, err := natschan.Listen(nc, cfg.NATS.Subject)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		log.Info("serving", "nats", nc.ConnectedUrl(), "subject", cfg.NATS.Subject)
		return lst, func() { lst.Close(); nc.Close() }, nil
	}

	lst, err := net.Listen(blobject.SplitAddress(cfg.Listen))
	if err != nil {
		return nil, nil, err
	}
	log.Info("serving", "addr", lst.Addr().String())
	return peers.NetAccepter(lst), func() { lst.Close() }, nil
}

// metricsServer starts an HTTP server for the peer metrics at addr.
func metricsServer(addr string, p *blobject.Peer) (*http.Server, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	srv := &http.Server{Addr: lst.Addr().String(), Handler: metricsHandler(p)}
	go srv.Serve(lst)
	return srv, nil
}

// metricsHandler returns an HTTP handler for the metrics of p.
func metricsHandler(p *blobject.Peer) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		promexport.New("blobject", p.Metrics(), "dispatches_active", "calls_pending"),
		collectors.NewGoCollector(),
	)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/debug/vars", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintln(w, p.Metrics().String())
	})
	return r
}

// demoServants returns the objects served by the serve command.
func demoServants() (*servants.Map, error) {
	m := servants.New()
	err := errors.Join(
		m.Add(blobject.Identity{Name: "echo"}, handler.Ops{
			"echo": handler.Go(func(_ context.Context, in []byte) ([]byte, error) {
				return in, nil
			}),
			"upper": handler.Sync(handler.ParamResult(func(_ context.Context, s string) string {
				return strings.ToUpper(s)
			})),
		}),
		m.Add(blobject.Identity{Name: "clock"}, handler.Ops{
			"now": handler.Sync(handler.ResultOnly(func(context.Context) string {
				return time.Now().UTC().Format(time.RFC3339Nano)
			})),
		}),
		m.Add(blobject.Identity{Name: "sleep"}, handler.Ops{
			"wait": handler.Go(handler.ParamResultError(func(ctx context.Context, s string) (string, error) {
				d, err := time.ParseDuration(s)
				if err != nil {
					return "", &blobject.UserException{TypeID: "::Demo::BadDuration", Data: []byte(err.Error())}
				}
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(d):
					return "slept " + d.String(), nil
				}
			})),
		}),
		m.Add(blobject.Identity{Name: "refuse"}, handler.Sync(func(ctx context.Context, _ []byte) ([]byte, error) {
			cur := handler.ContextCurrent(ctx)
			return nil, &blobject.UserException{
				TypeID: "::Demo::Refused",
				Data:   []byte("refused " + cur.Operation()),
			}
		})),
		m.Add(blobject.Identity{Name: "servants"}, handler.Ops{"list": m.Lister()}),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
