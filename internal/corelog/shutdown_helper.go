package corelog

import (
	"context"
	"sync"
)

// OnceActivateHandler is invoked exactly once, with shutdown paused, to
// activate an object managed by a ShutdownHelper. Returning a non-nil error
// aborts activation and immediately begins shutdown with that error.
type OnceActivateHandler func() error

// OnceShutdownHandler must be implemented by whatever object embeds a
// ShutdownHelper (a worker, the listener, the supervisor).
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine, with
	// completionError as an advisory value. It should perform the actual
	// teardown and return the real completion status.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by anything that can be asked to shut down
// and waited on asynchronously.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// ShutdownHelper coordinates clean, race-free, exactly-once shutdown for an
// object that implements OnceShutdownHandler. Every worker goroutine, the
// listener, and the supervisor each embed one.
type ShutdownHelper struct {
	Logger

	// Lock guards the fields below and may double as a general-purpose lock
	// for the embedding object.
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount  int
	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool
	shutdownErr         error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place, for embedding by
// value inside a larger struct.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// NewShutdownHelper allocates a ShutdownHelper on the heap.
func NewShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) *ShutdownHelper {
	h := &ShutdownHelper{}
	h.InitShutdownHelper(logger, shutdownHandler)
	return h
}

func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.DLogf("shutdown: started")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.DLogf("shutdown: handler done")
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.isDoneShutdown = true
		h.DLogf("shutdown: done")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown increments the shutdown-pause count, deferring the actual
// teardown even if StartShutdown has been scheduled. Must be paired with
// ResumeShutdown. Fails if shutdown has already started running.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// IsActivated reports whether Activate has succeeded.
func (h *ShutdownHelper) IsActivated() bool {
	return h.isActivated
}

// Activate marks the helper activated. A no-op if already activated; fails
// if shutdown has already begun.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, runs onceActivateHandler, then activates
// (or, on failure, begins shutdown with that error). If waitOnFail is true
// and activation fails, it blocks until shutdown completes before returning.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ResumeShutdown decrements the pause count; when it reaches zero and
// shutdown has been scheduled, teardown actually begins.
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Panic("ResumeShutdown called without a matching PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ResumeAndShutdown resumes shutdown and blocks for it to fully complete,
// returning the final status. Suitable for a defer after PauseShutdown.
func (h *ShutdownHelper) ResumeAndShutdown(completionErr error) error {
	h.ResumeShutdown()
	return h.Shutdown(completionErr)
}

// ShutdownOnContext begins background monitoring of ctx: when ctx is
// cancelled before shutdown otherwise begins, the helper starts shutting
// down with ctx.Err() as the advisory completion status. Used to tie a
// proxied session's lifetime to its connection's context.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsScheduledShutdown reports whether StartShutdown has been called.
func (h *ShutdownHelper) IsScheduledShutdown() bool { return h.isScheduledShutdown }

// IsStartedShutdown reports whether teardown has begun running.
func (h *ShutdownHelper) IsStartedShutdown() bool { return h.isStartedShutdown }

// IsDoneShutdown reports whether teardown, and every registered child, has
// fully completed.
func (h *ShutdownHelper) IsDoneShutdown() bool { return h.isDoneShutdown }

// ShutdownWG exposes the internal WaitGroup so callers can Add() their own
// completion gates before shutdown is considered finished.
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup { return &h.wg }

// ShutdownHandlerDoneChan is closed once HandleOnceShutdown returns, before
// children are torn down and waited on.
func (h *ShutdownHelper) ShutdownHandlerDoneChan() <-chan struct{} { return h.shutdownHandlerDoneChan }

// ShutdownDoneChan is closed once shutdown, and every registered child, has
// fully completed.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} { return h.shutdownDoneChan }

// WaitShutdown blocks until shutdown is complete and returns its status. It
// does not itself initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown initiates shutdown if not already started, waits for it to
// finish, and returns the final status.
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous teardown. A no-op after the first
// call. completionErr is an advisory status passed to HandleOnceShutdown;
// the handler's return value becomes the real final status.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		if h.isStartedShutdown {
			h.Panic("shutdown started before being scheduled")
		}
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory status and returns the final status.
func (h *ShutdownHelper) Close() error {
	h.DLogf("Close()")
	return h.Shutdown(nil)
}

// AddShutdownChildChan registers a channel this helper's shutdown will wait
// on before considering itself complete. The caller remains responsible for
// closing it.
func (h *ShutdownHelper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}

// AddShutdownChild registers a child that will be actively shut down, with
// this helper's completion status, once HandleOnceShutdown returns.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
