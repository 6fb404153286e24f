package session

// Notifier is the reactor-side callback a Session uses to ask for more
// write-readiness or a connection teardown. The reactor implements it by
// writing the corresponding wakeup-pipe command ("w<id>," or "c<id>,");
// Session knows nothing about pipes, fds, or epoll.
type Notifier interface {
	NotifyWritable(id string)
	NotifyClose(id string)
}
