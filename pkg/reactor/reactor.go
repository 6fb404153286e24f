//go:build linux

// Package reactor implements the single-threaded, edge-triggered I/O
// demultiplexer: it owns the listening socket, the wakeup pipe, and the
// fd -> Session map, and is the only component in the process that calls
// epoll_wait, accept, read, or write on a client socket. Parsing,
// filesystem access, and response construction all happen on worker-pool
// goroutines driven through pkg/session; the reactor only ever moves
// bytes between a socket and a Session's locked buffers.
package reactor

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cloudbackup/server/pkg/bufpool"
	"github.com/cloudbackup/server/pkg/metrics"
	"github.com/cloudbackup/server/pkg/registry"
	"github.com/cloudbackup/server/pkg/session"
	"github.com/cloudbackup/server/pkg/workerpool"
)

// Config holds the reactor's socket- and buffer-sizing knobs, all sourced
// from process configuration.
type Config struct {
	Port          int
	ListenBacklog int
	MaxEvents     int
	TCPReadChunk  int
	Session       session.Config
}

// client tracks one accepted connection: its current generation (to
// defuse stale wakeup-pipe commands after the fd is recycled) and the
// Session driving it.
type client struct {
	fd       int
	gen      uint32
	session  *session.Session
	writable bool // true iff currently registered for EPOLLOUT
}

// Reactor is the demultiplexer described above. It is not safe for
// concurrent use by multiple goroutines other than the Notifier methods,
// which workers call from the pool.
type Reactor struct {
	cfg Config

	epfd     int
	listenFd int
	wakeR    int
	wakeW    int

	clients map[int]*client
	gens    map[int]uint32 // last generation per fd; kept after the fd closes

	registry *registry.Registry
	pool     *workerpool.Pool
	metrics  *metrics.Metrics
	logger   *slog.Logger

	wakeupScratch []byte
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
	teardownOnce  sync.Once

	mu      sync.Mutex
	started bool
}

// New builds a Reactor bound to cfg.Port. It does not start serving;
// call Run for that.
func New(cfg Config, reg *registry.Registry, pool *workerpool.Pool, m *metrics.Metrics, logger *slog.Logger) (*Reactor, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 256
	}
	if cfg.TCPReadChunk <= 0 {
		cfg.TCPReadChunk = 64 << 10
	}
	if cfg.ListenBacklog <= 0 {
		cfg.ListenBacklog = 512
	}

	listenFd, err := newListenSocket(cfg.Port, cfg.ListenBacklog)
	if err != nil {
		return nil, fmt.Errorf("reactor: listen socket: %w", err)
	}

	wakeR, wakeW, err := newWakeupPipe()
	if err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("reactor: wakeup pipe: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFd)
		unix.Close(wakeR)
		unix.Close(wakeW)
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	r := &Reactor{
		cfg:      cfg,
		epfd:     epfd,
		listenFd: listenFd,
		wakeR:    wakeR,
		wakeW:    wakeW,
		clients:  make(map[int]*client),
		gens:     make(map[int]uint32),
		registry: reg,
		pool:     pool,
		metrics:  m,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := epollAdd(epfd, listenFd, unix.EPOLLIN); err != nil {
		r.closeAll()
		return nil, fmt.Errorf("reactor: register listen fd: %w", err)
	}
	if err := epollAdd(epfd, wakeR, unix.EPOLLIN); err != nil {
		r.closeAll()
		return nil, fmt.Errorf("reactor: register wakeup fd: %w", err)
	}

	return r, nil
}

// Run blocks, servicing readiness events, until Close is called. Run owns
// teardown: when the stop signal arrives, this goroutine (not the caller
// of Close) is the one that tears down every connection and fd, so the
// single-threaded fd-ownership invariant holds even during shutdown.
func (r *Reactor) Run() error {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	defer func() {
		r.teardownOnce.Do(r.closeAll)
		close(r.done)
	}()

	events := make([]unix.EpollEvent, r.cfg.MaxEvents)

	for {
		select {
		case <-r.stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-r.stop:
				return nil
			default:
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case r.listenFd:
				r.acceptLoop()
			case r.wakeR:
				r.drainWakeup()
			default:
				r.handleClientEvent(fd, events[i].Events)
			}
		}

		r.metrics.SetWorkerQueueDepth(r.pool.Depth())
	}
}

// Close signals Run to stop and waits for it to finish tearing down every
// connection and the reactor's own file descriptors. If Run was never
// started (a Reactor built and closed without ever calling Run, as some
// whitebox tests do), Close performs the teardown itself instead of
// waiting forever on a goroutine that doesn't exist.
func (r *Reactor) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
	// A bare comma is a no-op wakeup command (dispatchWakeupCommand
	// discards it), but it's enough to unblock an EpollWait(-1).
	unix.Write(r.wakeW, []byte{','})

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	if started {
		<-r.done
		return
	}
	r.teardownOnce.Do(r.closeAll)
}

func (r *Reactor) closeAll() {
	for fd, c := range r.clients {
		c.session.Close()
		unix.Close(fd)
	}
	r.clients = make(map[int]*client)
	if r.listenFd != 0 {
		unix.Close(r.listenFd)
	}
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	unix.Close(r.epfd)
}

// acceptLoop accepts every pending connection until EAGAIN, per the
// edge-triggered contract.
func (r *Reactor) acceptLoop() {
	for {
		fd, _, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			r.logWarn("reactor: accept4 failed", "error", err)
			return
		}
		r.registerClient(fd)
	}
}

// registerClient wraps a freshly accepted fd in a Session and arms it for
// read readiness.
func (r *Reactor) registerClient(fd int) {
	gen := uint32(1)
	if prev, seen := r.gens[fd]; seen {
		gen = (prev + 1) % 10000
	}
	r.gens[fd] = gen

	id := fmt.Sprintf("%d_%d", fd, gen)
	sess := session.New(id, r.registry, r.pool, r.metrics, r, r.cfg.Session)

	r.clients[fd] = &client{fd: fd, gen: gen, session: sess}

	if err := epollAdd(r.epfd, fd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		r.logWarn("reactor: epoll_ctl add client failed", "fd", fd, "error", err)
		unix.Close(fd)
		delete(r.clients, fd)
	}
	r.metrics.SetActiveSessions(len(r.clients))
}

func (r *Reactor) handleClientEvent(fd int, events uint32) {
	c, ok := r.clients[fd]
	if !ok {
		return
	}

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.closeClient(fd)
		return
	}
	if events&unix.EPOLLIN != 0 {
		r.readClient(fd, c)
	}
	if events&unix.EPOLLOUT != 0 {
		r.writeClient(fd, c)
	}
}

// readClient drains the socket into the session's input buffer until
// EAGAIN or EOF, per the edge-triggered contract.
func (r *Reactor) readClient(fd int, c *client) {
	buf := bufpool.Get(r.cfg.TCPReadChunk)
	defer bufpool.Put(buf)

	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			if c.session.AppendInput(buf[:n]) {
				if !r.pool.TryPush(c.session.Drive) {
					r.pool.Push(c.session.Drive)
				}
			}
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			r.closeClient(fd)
			return
		}
		if n == 0 {
			r.closeClient(fd)
			return
		}
	}
}

// writeClient drains as much of the session's output buffer as the
// socket currently accepts, then adjusts epoll interest accordingly.
func (r *Reactor) writeClient(fd int, c *client) {
	out := c.session.PeekOutput()
	if len(out) == 0 {
		r.armReadOnly(fd, c)
		return
	}

	written := 0
	for written < len(out) {
		n, err := unix.Write(fd, out[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.session.ConsumeOutput(written)
			r.closeClient(fd)
			return
		}
		if n == 0 {
			break
		}
	}

	c.session.ConsumeOutput(written)

	if written == len(out) {
		r.armReadOnly(fd, c)
	} else {
		r.armReadWrite(fd, c)
	}
}

func (r *Reactor) armReadOnly(fd int, c *client) {
	if !c.writable {
		return
	}
	c.writable = false
	_ = epollMod(r.epfd, fd, unix.EPOLLIN|unix.EPOLLET)
}

func (r *Reactor) armReadWrite(fd int, c *client) {
	if c.writable {
		return
	}
	c.writable = true
	_ = epollMod(r.epfd, fd, unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLET)
}

// closeClient tears down fd: removes it from the demultiplexer, marks
// its Session closed (so in-flight worker tasks observe it and return
// without effect), and drops it from the map.
func (r *Reactor) closeClient(fd int) {
	c, ok := r.clients[fd]
	if !ok {
		return
	}
	c.session.Close()
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.clients, fd)
	unix.Close(fd)
	r.metrics.SetActiveSessions(len(r.clients))
}

func (r *Reactor) logWarn(msg string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(msg, args...)
}

func epollAdd(epfd, fd int, events uint32) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func epollMod(epfd, fd int, events uint32) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}
