// Package session implements the per-connection proxy runtime: one Worker
// per authenticated SPICE channel, bridging a client socket and a
// hypervisor socket through a pair of channel inspectors.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/inspect"
	"github.com/shakenfist/kerbside-proxy/internal/metrics"
	"github.com/shakenfist/kerbside-proxy/internal/store"
)

// pollPeriod is the readiness-wait granularity while proxying, capping how
// long a stalled direction can go before the next poll.
const pollPeriod = 200 * time.Millisecond

// readChunk is the size of one non-blocking read attempt.
const readChunk = 32 * 1024

// sampleInterval is how often a Worker reports its byte/time counters to
// the metrics queue.
const sampleInterval = 10 * time.Second

// ackCounter is the "ignore the next N acks on this direction" accounting
// the reserved frame-insertion path needs: when one direction's inspector
// splices synthetic frames into its output, the peer will eventually ack
// them, and those acks must be swallowed rather than forwarded so they
// never confuse the real endpoint's own ack generation count. Safe for
// concurrent use by the two pump goroutines.
type ackCounter struct {
	mu sync.Mutex
	n  int
}

func (c *ackCounter) add(n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.n += n
	c.mu.Unlock()
}

// absorb reports whether a pending ack should be swallowed, decrementing
// the counter if so.
func (c *ackCounter) absorb() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n > 0 {
		c.n--
		return true
	}
	return false
}

// Worker owns one accepted, authenticated SPICE channel connection for its
// entire lifetime: the client socket, the hypervisor socket, the pair of
// channel inspectors for this channel type, and the ACK-absorption
// counters the reserved frame-insertion path needs. Both directions run
// concurrently; cross-direction coordination is limited to the two
// ackCounters below.
type Worker struct {
	corelog.ShutdownHelper

	Node        string
	PID         int64
	SessionID   string
	ChannelType string

	client net.Conn
	server net.Conn

	clientInspector inspect.Inspector
	serverInspector inspect.Inspector

	// clientIgnoreACKs absorbs acks arriving from the client (direction
	// client->server) that were generated in response to synthetic frames
	// the server->client leg spliced in; serverIgnoreACKs is the mirror
	// for the opposite direction.
	clientIgnoreACKs ackCounter
	serverIgnoreACKs ackCounter

	store store.Store
	queue metrics.Queue

	bytesToServer int64
	bytesToClient int64

	// totalBytesToServer/totalBytesToClient are lifetime counters, never
	// reset by sampleLoop, kept only to report a final byte tally when the
	// session closes.
	totalBytesToServer int64
	totalBytesToClient int64
}

// NewWorker creates a Worker ready to run. client and server must already
// be past their respective link+auth handshakes (internal/linkstate).
func NewWorker(log corelog.Logger, node string, pid int64, sessionID, channelType string, client, server net.Conn, clientInspector, serverInspector inspect.Inspector, st store.Store, queue metrics.Queue) *Worker {
	w := &Worker{
		Node:            node,
		PID:             pid,
		SessionID:       sessionID,
		ChannelType:     channelType,
		client:          client,
		server:          server,
		clientInspector: clientInspector,
		serverInspector: serverInspector,
		store:           st,
		queue:           queue,
	}
	w.InitShutdownHelper(log.Fork("worker[%d]", pid), w)
	return w
}

// HandleOnceShutdown implements corelog.OnceShutdownHandler: close both
// sockets, log the session's final byte tally, and remove this worker's
// ProxyChannel row.
func (w *Worker) HandleOnceShutdown(completionErr error) error {
	w.client.Close()
	w.server.Close()
	w.DLogf("session %s closed (sent %s, received %s)", w.SessionID,
		sizestr.ToString(atomic.LoadInt64(&w.totalBytesToServer)),
		sizestr.ToString(atomic.LoadInt64(&w.totalBytesToClient)))
	if err := w.store.RemoveProxyChannel(context.Background(), w.Node, w.PID); err != nil {
		w.WLogf("removing proxy channel row: %s", err)
	}
	return completionErr
}

// Run drives the bidirectional forwarding loop until ctx is cancelled or
// either socket fails, and returns the terminal error (nil for a clean
// peer close). It blocks until the worker has fully shut down.
func (w *Worker) Run(ctx context.Context) error {
	w.ShutdownOnContext(ctx)

	errCh := make(chan error, 2)
	go w.pump(w.client, w.server, w.clientInspector, &w.clientIgnoreACKs, &w.serverIgnoreACKs, &w.bytesToServer, &w.totalBytesToServer, errCh)
	go w.pump(w.server, w.client, w.serverInspector, &w.serverIgnoreACKs, &w.clientIgnoreACKs, &w.bytesToClient, &w.totalBytesToClient, errCh)
	go w.sampleLoop()

	terminal := <-errCh
	return w.Shutdown(terminal)
}

// pump reads frames from readSide, runs insp over the accumulated buffer,
// and writes each frame's forwardable bytes to writeSide, absorbing acks
// per absorbCounter and feeding insertCounter when insp reports inserted
// synthetic frames. It returns (by sending on errCh) only on a genuine
// socket error; a clean peer close sends nil.
func (w *Worker) pump(readSide, writeSide net.Conn, insp inspect.Inspector, absorbCounter, insertCounter *ackCounter, byteCounter, totalCounter *int64, errCh chan<- error) {
	poller := newPoller(readSide, pollPeriod)
	tmp := make([]byte, readChunk)
	var buf []byte

	for {
		if w.IsStartedShutdown() {
			errCh <- nil
			return
		}

		n, err := poller.readSome(tmp)
		if err != nil {
			errCh <- err
			return
		}
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}

		for {
			result := insp.Inspect(buf)
			if result.IsNone() {
				break
			}

			forward := true
			if result.Ack && absorbCounter.absorb() {
				forward = false
			}
			if forward && len(result.Data) > 0 {
				if _, werr := writeSide.Write(result.Data); werr != nil {
					errCh <- werr
					return
				}
				n := int64(len(result.Data))
				atomic.AddInt64(byteCounter, n)
				atomic.AddInt64(totalCounter, n)
			}
			insertCounter.add(result.InsertedCount)

			buf = buf[result.Consumed:]
		}
	}
}

// sampleLoop pushes a metrics.Sample onto the queue every sampleInterval
// until the worker shuts down.
func (w *Worker) sampleLoop() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-w.ShutdownDoneChan():
			return
		case now := <-ticker.C:
			if w.queue != nil {
				w.queue.Push(metrics.Sample{
					ChannelType: w.ChannelType,
					SessionID:   w.SessionID,
					BytesSent:   atomic.LoadInt64(&w.bytesToServer),
					BytesRecv:   atomic.LoadInt64(&w.bytesToClient),
					Seconds:     now.Sub(start).Seconds(),
				})
			}
			start = now
			atomic.StoreInt64(&w.bytesToServer, 0)
			atomic.StoreInt64(&w.bytesToClient, 0)
		}
	}
}
