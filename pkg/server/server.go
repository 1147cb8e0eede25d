package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cradlegames/keystone/pkg/backend"
	"github.com/cradlegames/keystone/pkg/broker"
	"github.com/cradlegames/keystone/pkg/catalog"
	"github.com/cradlegames/keystone/pkg/config"
	"github.com/cradlegames/keystone/pkg/executor"
	"github.com/cradlegames/keystone/pkg/gate"
	"github.com/cradlegames/keystone/pkg/log"
	"github.com/cradlegames/keystone/pkg/metrics"
	"github.com/cradlegames/keystone/pkg/session"
	"github.com/cradlegames/keystone/pkg/types"
)

// Backends builds the storage backends named in the configuration.
func Backends(cfg *config.Config) (map[string]backend.Backend, error) {
	backends := make(map[string]backend.Backend, len(cfg.Backends))
	for name, bc := range cfg.Backends {
		switch bc.Driver {
		case "bolt":
			be, err := backend.NewBoltBackend(name, bc.Path)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", name, err)
			}
			backends[name] = be
		case "redis":
			replicas := make([]backend.Replica, len(bc.Replicas))
			for i, r := range bc.Replicas {
				replicas[i] = backend.Replica{Addr: r.Addr, Weight: r.Weight}
			}
			be, err := backend.NewRedisBackend(name, bc.Addr, replicas)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", name, err)
			}
			backends[name] = be
		default:
			return nil, fmt.Errorf("backend %q: unknown driver %q", name, bc.Driver)
		}
	}
	return backends, nil
}

// CloseBackends closes every backend, keeping the first error.
func CloseBackends(backends map[string]backend.Backend) error {
	var first error
	for _, be := range backends {
		if err := be.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// job is one inbound frame awaiting a worker. done signals the reader
// so frames of one connection stay serialized.
type job struct {
	conn *gate.Conn
	raw  []byte
	done chan struct{}
}

// Server accepts client connections and drives them through the gate.
// A fixed pool of workers executes inbound frames; each connection's
// frames run serially.
type Server struct {
	cfg  *config.Config
	cat  *catalog.Catalog
	gt   *gate.Gate
	brk  *broker.Broker
	exec *executor.Executor

	listener net.Listener
	jobs     chan job
	open     atomic.Int64

	group  *errgroup.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the execution pipeline over an installed catalog.
func New(cfg *config.Config, cat *catalog.Catalog, ids session.IDSource) *Server {
	exec := executor.New(cat, ids, executor.WithRetryBudget(cfg.Server.RetryBudget.Std()))
	brk := broker.New(cat, ids)
	gt := gate.New(gate.Config{
		Namespace:         cfg.Server.Namespace,
		IdleTimeout:       cfg.Server.IdleTimeout.Std(),
		MaxAnonymousPerIP: cfg.Limits.MaxAnonymousPerIP,
		AnonRecv:          budgets(cfg.Limits.AnonRecv),
		AnonSend:          budgets(cfg.Limits.AnonSend),
		UserRecv:          budgets(cfg.Limits.UserRecv),
		UserSend:          budgets(cfg.Limits.UserSend),
		RowSubBudget:      cfg.Limits.RowSubs,
		RangeSubBudget:    cfg.Limits.RangeSubs,
	}, exec, brk, cat, ids)

	return &Server{
		cfg:  cfg,
		cat:  cat,
		gt:   gt,
		brk:  brk,
		exec: exec,
		jobs: make(chan job),
	}
}

func budgets(in []config.RateBudget) []gate.RateBudget {
	out := make([]gate.RateBudget, len(in))
	for i, b := range in {
		out[i] = gate.RateBudget{Max: b.Max, Window: b.Window()}
	}
	return out
}

// Broker exposes the subscription broker, mainly for stats.
func (s *Server) Broker() *broker.Broker { return s.brk }

// OpenConnections implements the metrics stats source.
func (s *Server) OpenConnections() int { return int(s.open.Load()) }

// ActiveSubscriptions implements the metrics stats source.
func (s *Server) ActiveSubscriptions() map[string]int {
	return s.brk.ActiveSubscriptions()
}

// Addr is the bound client listener address. Valid after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Start binds the listener and launches the accept loop, the worker
// pool, and the observability endpoint. It returns once listening.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Server.Listen, err)
	}
	s.listener = lis
	metrics.RegisterComponent("listener", true, "listening on "+lis.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	for i := 0; i < s.cfg.Server.Workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-s.jobs:
					j.conn.Handle(ctx, j.raw)
					close(j.done)
				}
			}
		})
	}

	group.Go(func() error { return s.acceptLoop(ctx) })
	group.Go(func() error {
		<-ctx.Done()
		return s.listener.Close()
	})

	collector := metrics.NewCollector(s)
	collector.Start()
	group.Go(func() error {
		<-ctx.Done()
		collector.Stop()
		return nil
	})

	if s.cfg.Metrics.Listen != "" {
		group.Go(func() error { return s.serveMetrics(ctx) })
	}

	logger := log.WithComponent("server")
	logger.Info().
		Str("addr", lis.Addr().String()).
		Int("workers", s.cfg.Server.Workers).
		Str("namespace", s.cfg.Server.Namespace).
		Msg("server started")
	return nil
}

// Stop shuts the server down and waits for connections to drain.
func (s *Server) Stop() error {
	if s.group == nil {
		return nil
	}
	s.cancel()
	err := s.group.Wait()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, nc)
		}()
	}
}

// serve owns one TCP connection: admit it through the gate, spawn the
// frame writer, and pump inbound lines through the worker pool.
func (s *Server) serve(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		host = nc.RemoteAddr().String()
	}
	conn, err := s.gt.Accept(host)
	if err != nil {
		frame, _ := json.Marshal([]any{"rsp", map[string]any{
			"error":   string(types.CodeOf(err)),
			"message": err.Error(),
		}})
		_, _ = nc.Write(append(frame, '\n'))
		return
	}
	s.open.Add(1)
	defer s.open.Add(-1)
	defer conn.Close()

	go s.writeLoop(nc, conn)

	scanner := bufio.NewScanner(nc)
	// The initial buffer must not exceed the cap, or the cap is ignored.
	initial := 64 * 1024
	if s.cfg.Server.MaxMessageSize < initial {
		initial = s.cfg.Server.MaxMessageSize
	}
	scanner.Buffer(make([]byte, initial), s.cfg.Server.MaxMessageSize)
	for {
		if err := nc.SetReadDeadline(conn.IdleDeadline()); err != nil {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				var ne net.Error
				connLog := log.WithConn(conn.ID())
				if errors.As(err, &ne) && ne.Timeout() {
					connLog.Debug().Msg("connection idle, closing")
				} else if ctx.Err() == nil {
					connLog.Debug().Err(err).Msg("read failed")
				}
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		j := job{conn: conn, raw: raw, done: make(chan struct{})}
		select {
		case s.jobs <- j:
		case <-ctx.Done():
			return
		case <-conn.Closed():
			return
		}
		select {
		case <-j.done:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop drains the connection's outbound queue onto the socket.
func (s *Server) writeLoop(nc net.Conn, conn *gate.Conn) {
	for {
		select {
		case frame := <-conn.Outbound():
			if err := nc.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				conn.Close()
				return
			}
			if _, err := nc.Write(append(frame, '\n')); err != nil {
				conn.Close()
				return
			}
		case <-conn.Closed():
			return
		}
	}
}

// serveMetrics runs the observability endpoint until shutdown.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger := log.WithComponent("metrics")
	logger.Info().
		Str("addr", s.cfg.Metrics.Listen).
		Msg("observability endpoint started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
