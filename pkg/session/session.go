package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cloudbackup/server/internal/logger"
	"github.com/cloudbackup/server/pkg/metrics"
	"github.com/cloudbackup/server/pkg/registry"
	"github.com/cloudbackup/server/pkg/workerpool"
)

// phase tracks where the current in-flight request sits in the parser's
// incremental state machine.
type phase int

const (
	phaseHeadersOnly phase = iota
	phaseMultipartBody
)

// inflight is the accumulator for the message currently being parsed; it
// lives only for the duration of one request and is owned exclusively by
// whichever worker is driving the session (guaranteed by processing),
// needing no lock of its own.
type inflight struct {
	req     *request
	phase   phase
	scanner *multipartScanner
}

// Session is the per-connection HTTP state machine described by the
// core design: an incremental parser plus locked input/output buffers,
// driven by worker-pool tasks and never performing blocking I/O itself.
type Session struct {
	id string

	registry  *registry.Registry
	pool      *workerpool.Pool
	metrics   *metrics.Metrics
	notifier  Notifier
	backupDir string

	maxChunkBytes   int64
	perRequestBytes int

	inMu       sync.Mutex
	inBuf      []byte
	processing bool

	outMu  sync.Mutex
	outBuf []byte

	closed atomic.Bool

	current *inflight
}

// Config bundles the tunables a Session needs that come from the process
// configuration rather than from the reactor's own bookkeeping.
type Config struct {
	BackupDir       string
	MaxChunkBytes   int64
	PerRequestBytes int
}

// New creates a Session for a freshly accepted connection. id is the
// reactor's "<fd>_<generation>" identifier.
func New(id string, reg *registry.Registry, pool *workerpool.Pool, m *metrics.Metrics, notifier Notifier, cfg Config) *Session {
	return &Session{
		id:              id,
		registry:        reg,
		pool:            pool,
		metrics:         m,
		notifier:        notifier,
		backupDir:       cfg.BackupDir,
		maxChunkBytes:   cfg.MaxChunkBytes,
		perRequestBytes: cfg.PerRequestBytes,
	}
}

// ID returns the session's "<fd>_<generation>" identifier.
func (s *Session) ID() string { return s.id }

// AppendInput appends newly read bytes to the session's input buffer. It
// returns true exactly when the caller (the reactor) must schedule a
// Drive task: when no worker is already processing this session.
func (s *Session) AppendInput(data []byte) bool {
	s.inMu.Lock()
	defer s.inMu.Unlock()

	s.inBuf = append(s.inBuf, data...)
	if s.processing {
		return false
	}
	s.processing = true
	return true
}

// Close marks the session closed; every subsequent Drive/streamChunk
// checkpoint observes it and returns without effect.
func (s *Session) Close() {
	s.closed.Store(true)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// OutputLen returns the number of bytes currently buffered for write.
func (s *Session) OutputLen() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.outBuf)
}

// PeekOutput returns the currently buffered output bytes without
// removing them; the reactor writes as much of this as the socket
// accepts, then calls ConsumeOutput with however many bytes succeeded.
func (s *Session) PeekOutput() []byte {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	out := make([]byte, len(s.outBuf))
	copy(out, s.outBuf)
	return out
}

// ConsumeOutput removes the first n bytes from the output buffer after a
// successful (possibly partial) non-blocking write.
func (s *Session) ConsumeOutput(n int) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if n >= len(s.outBuf) {
		s.outBuf = s.outBuf[:0]
		return
	}
	s.outBuf = s.outBuf[n:]
}

func (s *Session) appendOutput(data []byte) {
	if len(data) == 0 {
		return
	}
	s.outMu.Lock()
	s.outBuf = append(s.outBuf, data...)
	s.outMu.Unlock()
	s.notifier.NotifyWritable(s.id)
}

// Drive is the worker-pool task that advances the parser by at most one
// scheduling window (bounded by PerRequestBytes), processes at most one
// request to completion, and either clears processing (waiting for more
// bytes) or reschedules itself when more buffered input remains. The
// window cap is only applied while streaming part bytes to disk; a
// header block (the request head, or a multipart part's own headers) is
// always scanned against the full buffer, since capping it could put the
// boundary or header terminator permanently out of view and stall the
// connection.
func (s *Session) Drive() {
	if s.closed.Load() {
		return
	}

	s.inMu.Lock()
	window := s.inBuf
	if s.perRequestBytes > 0 && len(window) > s.perRequestBytes && !s.headerScanInProgress() {
		window = window[:s.perRequestBytes]
	}
	s.inMu.Unlock()

	if len(window) == 0 {
		s.inMu.Lock()
		s.processing = false
		s.inMu.Unlock()
		return
	}

	consumed := s.processOnce(window)

	if consumed == 0 {
		s.inMu.Lock()
		s.processing = false
		s.inMu.Unlock()
		return
	}

	s.inMu.Lock()
	s.inBuf = s.inBuf[consumed:]
	remaining := len(s.inBuf) > 0
	if !remaining {
		s.processing = false
	}
	s.inMu.Unlock()

	if remaining {
		if !s.pool.TryPush(s.Drive) {
			s.Drive()
		}
	}
}

// headerScanInProgress reports whether the parser is currently looking for
// a header terminator (the request head, or a multipart part's own header
// block) rather than streaming a part's body bytes to disk.
func (s *Session) headerScanInProgress() bool {
	if s.current == nil {
		return true
	}
	return s.current.scanner.state == mpBetweenParts
}

// processOnce advances parsing by as much as window allows, completing
// at most one request. It returns the number of bytes consumed from the
// front of window; zero means the parser is stalled waiting for more
// bytes (an incomplete header block, or a multipart boundary that may be
// split across the next read).
func (s *Session) processOnce(window []byte) int {
	consumed := 0

	if s.current == nil {
		req, headLen, ok := tryParseHead(window)
		if !ok {
			return 0
		}
		consumed += headLen
		window = window[headLen:]

		requestID := uuid.New().String()
		logger.Info("request received",
			logger.RequestID(requestID), logger.SessionID(s.id),
			logger.Method(req.method), logger.Path(req.path))

		route, arg := classify(req)
		if route != routeUpload {
			s.handleSimpleRoute(route, arg, req)
			return consumed
		}

		boundary, ok := boundaryFromContentType(req.header("content-type"))
		if !ok {
			s.appendOutput(badRequest("missing or malformed multipart boundary"))
			return consumed
		}

		s.current = &inflight{
			req:     req,
			phase:   phaseMultipartBody,
			scanner: newMultipartScanner(boundary, s.registry, s.backupDir),
		}
	}

	n, done := s.current.scanner.feed(window)
	consumed += n
	if done {
		s.appendOutput(s.finalizeUpload(s.current.scanner))
		s.current = nil
	}
	return consumed
}

// tryParseHead looks for a complete request line + header block (ending
// in CRLFCRLF) within window. It returns false if the block is not yet
// fully buffered.
func tryParseHead(window []byte) (*request, int, bool) {
	idx := indexHeaderEnd(window)
	if idx < 0 {
		return nil, 0, false
	}

	req, err := parseRequestHead(window[:idx])
	if err != nil {
		return &request{method: "", path: "", headers: map[string]string{}}, idx + len(headerEnd), true
	}
	return req, idx + len(headerEnd), true
}

func indexHeaderEnd(b []byte) int {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && b[i+2] == '\r' && b[i+3] == '\n' {
			return i
		}
	}
	return -1
}

// handleSimpleRoute dispatches every endpoint except upload, all of which
// complete synchronously within a single scheduling pass (downloads hand
// off to self-rescheduling chunk tasks after writing their headers).
func (s *Session) handleSimpleRoute(route route, arg string, req *request) {
	switch route {
	case routeShowlist:
		s.appendOutput(s.handleShowlist())
	case routeListFiles:
		s.appendOutput(s.handleListFiles())
	case routeDelete:
		s.appendOutput(s.handleDelete(arg))
	case routeDownload:
		s.startDownload(req, arg)
	default:
		s.appendOutput(notFound())
	}
}
