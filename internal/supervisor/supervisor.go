package supervisor

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/linkstate"
	"github.com/shakenfist/kerbside-proxy/internal/metrics"
	"github.com/shakenfist/kerbside-proxy/internal/session"
	"github.com/shakenfist/kerbside-proxy/internal/store"
)

// strayGrace is how long a worker with no matching ProxyChannel row is
// left alone before the maintenance loop cancels it.
const strayGrace = 5 * time.Second

// maintenanceTick is the supervisor's housekeeping period.
const maintenanceTick = 1 * time.Second

// Options configures a Supervisor. It is the subset of internal/config's
// Config this package actually acts on.
type Options struct {
	Node                      string
	TrafficInspection         bool
	TrafficInspectionIntimate bool
}

type workerHandle struct {
	cancel  context.CancelFunc
	started time.Time
}

// Supervisor accepts connections off a Listener, spawns one session.Worker
// goroutine per accepted, authenticated channel, and runs the maintenance
// loop: reaping strays, draining metrics samples, and keeping the live
// worker-count gauge current.
type Supervisor struct {
	log       corelog.Logger
	opts      Options
	store     store.Store
	directory linkstate.ConsoleDirectory
	tickets   linkstate.TicketIssuer
	registry  *metrics.Registry
	queue     metrics.Queue

	// connStats mints each worker's synthetic pid (New()) and tracks the
	// live/lifetime session counts the Workers gauge reports.
	connStats corelog.ConnStats

	mu      sync.Mutex
	workers map[int64]*workerHandle
	wg      sync.WaitGroup
}

// New creates a Supervisor. directory and tickets are the injected
// collaborators standing in for the out-of-scope discovery subsystem.
func New(log corelog.Logger, opts Options, st store.Store, directory linkstate.ConsoleDirectory, tickets linkstate.TicketIssuer, registry *metrics.Registry, queue metrics.Queue) *Supervisor {
	return &Supervisor{
		log:       log,
		opts:      opts,
		store:     st,
		directory: directory,
		tickets:   tickets,
		registry:  registry,
		queue:     queue,
		workers:   make(map[int64]*workerHandle),
	}
}

// Run clears this node's stale ProxyChannel rows, then accepts connections
// off ln and runs the maintenance loop until ctx is cancelled. It returns
// once every spawned worker has exited.
func (s *Supervisor) Run(ctx context.Context, ln *Listener) error {
	if err := s.store.RemoveNodeChannels(ctx, s.opts.Node); err != nil {
		s.log.WLogf("clearing stale proxy channels for %s: %s", s.opts.Node, err)
	}

	go s.maintenanceLoop(ctx)

	go acceptLoop(ctx, s.log, ln.Insecure, s.handleInsecure)
	if ln.Secure != nil {
		go acceptLoop(ctx, s.log, ln.Secure, s.handleSecure)
	}

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

// handleInsecure services a connection on the plaintext port: the only
// valid exchange there is the need_secured redirect.
func (s *Supervisor) handleInsecure(_ context.Context, conn net.Conn) {
	defer conn.Close()
	if err := linkstate.AwaitClientLink(conn); err != nil && err != linkstate.ErrConnectionRedirected {
		s.log.WLogf("insecure-port handshake from %s: %s", conn.RemoteAddr(), err)
	}
}

// handleSecure services a connection on the TLS port: full link+auth,
// hypervisor dial, and the forwarding loop for the channel's lifetime.
func (s *Supervisor) handleSecure(ctx context.Context, conn net.Conn) {
	pid := s.connStats.New()
	log := s.log.Fork("worker[%d]", pid)

	workerCtx, cancel := context.WithCancel(ctx)
	s.register(pid, cancel)
	s.connStats.Open()
	s.wg.Add(1)
	defer func() {
		cancel()
		s.unregister(pid)
		s.connStats.Close()
		s.wg.Done()
	}()

	clientIP, clientPort := hostPort(conn.RemoteAddr())

	sess, err := linkstate.AuthenticateClient(workerCtx, conn, s.store, log, s.opts.Node, pid, clientIP, clientPort)
	if err != nil {
		log.WLogf("client handshake from %s: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	hv, err := s.directory.Resolve(workerCtx, sess.Token.Source, sess.Token.UUID)
	if err != nil {
		log.WLogf("resolving console %s/%s: %s", sess.Token.Source, sess.Token.UUID, err)
		conn.Close()
		return
	}

	ticket, err := s.tickets.AcquireTicket(workerCtx, sess.Token.Source, sess.Token.UUID)
	if err != nil {
		log.WLogf("acquiring ticket for %s/%s: %s", sess.Token.Source, sess.Token.UUID, err)
		conn.Close()
		return
	}

	serverConn, err := linkstate.DialHypervisor(workerCtx, hv, sess, ticket, s.store)
	if err != nil {
		log.WLogf("dialing hypervisor for session %s: %s", sess.Token.SessionID, err)
		conn.Close()
		return
	}

	clientInsp, serverInsp := channelInspectors(log, sess.ChannelType, s.opts.TrafficInspection, s.opts.TrafficInspectionIntimate)
	w := session.NewWorker(log, s.opts.Node, pid, sess.Token.SessionID, sess.ChannelType.String(),
		conn, serverConn, clientInsp, serverInsp, s.store, s.queue)

	if err := w.Run(workerCtx); err != nil {
		log.DLogf("session %s ended: %s", sess.Token.SessionID, err)
	}
}

func (s *Supervisor) register(pid int64, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[pid] = &workerHandle{cancel: cancel, started: time.Now()}
}

func (s *Supervisor) unregister(pid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, pid)
}

// maintenanceLoop ticks once a second: cancel strays whose ProxyChannel
// row vanished ≥5s ago, update the workers gauge, and drain pending
// metrics samples.
func (s *Supervisor) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapStrays(ctx)
			if s.registry != nil {
				s.registry.Workers.Set(float64(s.connStats.OpenCount()))
				if s.queue != nil {
					s.queue.Drain(s.registry)
				}
			}
		}
	}
}

func (s *Supervisor) reapStrays(ctx context.Context) {
	rows, err := s.store.GetNodeChannels(ctx, s.opts.Node)
	if err != nil {
		s.log.WLogf("listing channels for %s: %s", s.opts.Node, err)
		return
	}
	live := make(map[int64]struct{}, len(rows))
	for _, r := range rows {
		live[r.PID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, h := range s.workers {
		if _, ok := live[pid]; ok {
			continue
		}
		if time.Since(h.started) < strayGrace {
			continue
		}
		s.log.WLogf("reaping stray worker %d: no proxy channel row", pid)
		h.cancel()
	}
}

func hostPort(addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
