// Package interrupt runs registered shutdown handlers, newest first, when the
// process receives SIGINT or SIGTERM or when a shutdown is requested.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/Hubmakerlabs/btprelay/pkg/slog"
)

var log, _ = slog.New(os.Stderr, "interrupt")

type handler struct {
	source string
	fn     func()
}

// T is a set of shutdown handlers and the signals that trigger them.
type T struct {
	mx       sync.Mutex
	handlers []handler
	once     sync.Once
	sig      chan os.Signal
	request  chan struct{}
	reqOnce  sync.Once
	// Done is closed after every handler has run.
	Done chan struct{}
}

// New starts listening for signals. With no signals given SIGINT and SIGTERM
// are used.
func New(signals ...os.Signal) (t *T) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	t = &T{
		sig:     make(chan os.Signal, 1),
		request: make(chan struct{}),
		Done:    make(chan struct{}),
	}
	signal.Notify(t.sig, signals...)
	go t.listen()
	return
}

func (t *T) listen() {
	select {
	case s := <-t.sig:
		log.I.Ln("received signal", s)
	case <-t.request:
		log.W.Ln("shutdown requested")
	}
	signal.Stop(t.sig)
	t.run()
}

func (t *T) run() {
	t.once.Do(func() {
		t.mx.Lock()
		hs := t.handlers
		t.handlers = nil
		t.mx.Unlock()
		for i := len(hs) - 1; i >= 0; i-- {
			log.D.Ln("running handler", i, hs[i].source)
			hs[i].fn()
		}
		log.D.Ln("interrupt handlers finished")
		close(t.Done)
	})
}

// AddHandler registers fn to run at shutdown. Handlers run in reverse order
// of registration.
func (t *T) AddHandler(fn func()) {
	_, loc, line, _ := runtime.Caller(1)
	src := fmt.Sprintf("%s:%d", loc, line)
	log.T.Ln("handler added by:", src)
	t.mx.Lock()
	t.handlers = append(t.handlers, handler{src, fn})
	t.mx.Unlock()
}

// Request starts the shutdown as if a signal had been received. Only the
// first call has an effect.
func (t *T) Request() {
	t.reqOnce.Do(func() { close(t.request) })
}

// Requested reports whether the shutdown has started.
func (t *T) Requested() bool {
	select {
	case <-t.request:
		return true
	case <-t.Done:
		return true
	default:
		return false
	}
}
