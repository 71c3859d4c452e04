package event

import "sync"

// The process-wide default stream. Front-ends attached through the control
// surface and CLI commands all share it, so it is started exactly once and
// torn down through a handle rather than an ad hoc flag.
var (
	defaultMu     sync.Mutex
	defaultStream *Stream
)

// Handle owns the lifetime of the default stream. Close is safe to call more
// than once; only the first call tears the stream down.
type Handle struct {
	once   sync.Once
	stream *Stream
}

// Close shuts the default stream down.
func (h *Handle) Close() {
	h.once.Do(func() {
		defaultMu.Lock()
		if defaultStream == h.stream {
			defaultStream = nil
		}
		defaultMu.Unlock()
		h.stream.Close()
	})
}

// Start returns the process-wide stream, creating it on first call. Repeated
// calls return the same stream with fresh handles; each handle's Close is
// idempotent, and the stream dies with the first handle closed.
func Start() (*Stream, *Handle) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStream == nil {
		defaultStream = NewStream()
	}
	return defaultStream, &Handle{stream: defaultStream}
}
