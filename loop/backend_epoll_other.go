//go:build !linux

package loop

// newNativeBackend falls back to the portable poll(2) backend on
// platforms without a dedicated native implementation wired up (see
// backend_epoll_linux.go for epoll on Linux; eventloop/poller_darwin.go
// shows the kqueue shape a future KindLibev-on-Darwin backend would
// follow, not yet implemented here).
func newNativeBackend() Backend {
	return newPollBackend()
}
