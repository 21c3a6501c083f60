package fixture

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// InterruptHandler tears the cluster down when the process is interrupted.
//
// On the first signal it unregisters itself, which puts back whatever handling the signal had before Install,
// so a second interrupt is not intercepted and can kill the process. It then calls stop and re-raises the signal
// against the current process so the default termination behavior resumes.
type InterruptHandler struct {
	stop        func(context.Context) error
	log         *zap.SugaredLogger
	signals     []os.Signal
	stopTimeout time.Duration

	notify     func(c chan<- os.Signal, sig ...os.Signal)
	stopNotify func(c chan<- os.Signal)
	raise      func(sig os.Signal) error

	ch          chan os.Signal
	installOnce sync.Once
	closeOnce   sync.Once
	closed      chan struct{}
	done        chan struct{}
}

type HandlerOption func(h *InterruptHandler)

// WithSignals sets the signals to handle. Defaults to os.Interrupt and SIGTERM.
func WithSignals(sigs ...os.Signal) HandlerOption {
	return func(h *InterruptHandler) {
		h.signals = sigs
	}
}

func WithHandlerLogger(l *zap.SugaredLogger) HandlerOption {
	return func(h *InterruptHandler) {
		h.log = l.Named("interrupt_handler")
	}
}

// WithStopTimeout bounds how long teardown may take after a signal.
func WithStopTimeout(d time.Duration) HandlerOption {
	return func(h *InterruptHandler) {
		h.stopTimeout = d
	}
}

// WithoutReraise leaves the process running after teardown, for callers that exit on their own once stop returns.
func WithoutReraise() HandlerOption {
	return func(h *InterruptHandler) {
		h.raise = func(os.Signal) error { return nil }
	}
}

func NewInterruptHandler(stop func(context.Context) error, opts ...HandlerOption) *InterruptHandler {
	h := &InterruptHandler{
		stop:        stop,
		log:         defaultLogger.Named("interrupt_handler"),
		signals:     []os.Signal{os.Interrupt, syscall.SIGTERM},
		stopTimeout: time.Minute,
		notify:      signal.Notify,
		stopNotify:  signal.Stop,
		raise:       raiseSelf,
		ch:          make(chan os.Signal, 1),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Install starts intercepting signals. Calling it more than once has no further effect.
func (h *InterruptHandler) Install() {
	h.installOnce.Do(func() {
		h.notify(h.ch, h.signals...)
		go h.loop()
	})
}

// Close stops intercepting signals. If a signal is being handled, Close waits for teardown to finish.
func (h *InterruptHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
	})
	installed := true
	h.installOnce.Do(func() { installed = false })
	if installed {
		<-h.done
	}
}

func (h *InterruptHandler) loop() {
	defer close(h.done)
	defer h.stopNotify(h.ch)
	select {
	case <-h.closed:
	case sig := <-h.ch:
		h.handle(sig)
	}
}

func (h *InterruptHandler) handle(sig os.Signal) {
	h.stopNotify(h.ch)

	h.log.Infow("received signal, stopping cluster", "Signal", sig.String())
	ctx, cancel := context.WithTimeout(context.Background(), h.stopTimeout)
	defer cancel()
	err := h.stop(ctx)
	if err != nil {
		h.log.Errorw("error stopping cluster", "Error", err)
	}

	err = h.raise(sig)
	if err != nil {
		h.log.Errorw("error re-raising signal", "Signal", sig.String(), "Error", err)
	}
}

func raiseSelf(sig os.Signal) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(sig)
}
