// Package signals aggregates OS signals the supervisor reacts to into a
// single awaitable source.
package signals

import (
	"os"
	"os/signal"
	"syscall"
)

// Handler multiplexes termination, reload, and child-exit-wakeup signals.
type Handler struct {
	terminate chan os.Signal
	reload    chan os.Signal
	child     chan os.Signal
}

// New installs signal.Notify for the signal set the supervisor cares about.
func New() *Handler {
	h := &Handler{
		terminate: make(chan os.Signal, 1),
		reload:    make(chan os.Signal, 1),
		child:     make(chan os.Signal, 1),
	}
	signal.Notify(h.terminate, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	signal.Notify(h.reload, syscall.SIGHUP, syscall.SIGUSR1)
	signal.Notify(h.child, syscall.SIGCHLD)
	return h
}

// Terminate fires on SIGTERM, SIGINT, or SIGQUIT.
func (h *Handler) Terminate() <-chan os.Signal { return h.terminate }

// Reload fires on SIGHUP or SIGUSR1, requesting a dynamic config / auth
// token reload.
func (h *Handler) Reload() <-chan os.Signal { return h.reload }

// ChildExited fires on SIGCHLD.
func (h *Handler) ChildExited() <-chan os.Signal { return h.child }

// Stop releases the underlying OS signal registrations.
func (h *Handler) Stop() {
	signal.Stop(h.terminate)
	signal.Stop(h.reload)
	signal.Stop(h.child)
}
