//go:build linux

package reactor

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cloudbackup/server/pkg/bufpool"
)

// newWakeupPipe creates a non-blocking pipe whose read end the reactor
// polls and whose write end is shared with every worker goroutine.
func newWakeupPipe() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// NotifyWritable implements session.Notifier: a worker calls this after
// appending to a Session's outBuf, so the reactor arms write-readiness
// and attempts an immediate drain.
func (r *Reactor) NotifyWritable(id string) {
	r.writeWakeup('w', id)
}

// NotifyClose implements session.Notifier: a worker calls this when a
// streaming read hits a disk error and the connection must be torn down.
func (r *Reactor) NotifyClose(id string) {
	r.writeWakeup('c', id)
}

// writeWakeup writes one comma-terminated command to the wakeup pipe.
// The message is always well under PIPE_BUF, so the write is atomic with
// respect to other workers' concurrent writes to the same pipe.
func (r *Reactor) writeWakeup(op byte, id string) {
	msg := string(op) + id + ","
	_, _ = unix.Write(r.wakeW, []byte(msg))
}

// drainWakeup reads every pending byte off the wakeup pipe, accumulating
// a partial trailing command across reads, and dispatches every complete
// "<op><fd>_<gen>," command found.
func (r *Reactor) drainWakeup() {
	buf := bufpool.Get(4 << 10)
	defer bufpool.Put(buf)

	for {
		n, err := unix.Read(r.wakeR, buf)
		if n > 0 {
			r.wakeupScratch = append(r.wakeupScratch, buf[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return
		}
		if n == 0 {
			break
		}
	}

	for {
		idx := indexByte(r.wakeupScratch, ',')
		if idx < 0 {
			break
		}
		cmd := string(r.wakeupScratch[:idx])
		r.wakeupScratch = r.wakeupScratch[idx+1:]
		r.dispatchWakeupCommand(cmd)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// dispatchWakeupCommand parses "<op><fd>_<gen>" and, if the generation
// matches the fd's current client (discarding stale commands for a
// recycled fd), performs the op's action.
func (r *Reactor) dispatchWakeupCommand(cmd string) {
	if len(cmd) < 2 {
		return
	}
	op := cmd[0]
	rest := cmd[1:]

	underscore := strings.IndexByte(rest, '_')
	if underscore < 0 {
		return
	}
	fd, err := strconv.Atoi(rest[:underscore])
	if err != nil {
		return
	}
	gen, err := strconv.ParseUint(rest[underscore+1:], 10, 32)
	if err != nil {
		return
	}

	c, ok := r.clients[fd]
	if !ok || c.gen != uint32(gen) {
		return
	}

	switch op {
	case 'w':
		r.armReadWrite(fd, c)
		r.writeClient(fd, c)
	case 'c':
		r.closeClient(fd)
	case 'r':
		r.readClient(fd, c)
	}
}
