package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cloudbackup/server/pkg/bufpool"
	"github.com/cloudbackup/server/pkg/registry"
)

// downloadJob tracks one in-flight download stream's cursor, self-enqueued
// on the worker pool one chunk at a time so a large file never ties up a
// worker (or the reactor) for the duration of the transfer.
type downloadJob struct {
	name  string
	start int64
	end   int64 // exclusive
	first bool
}

// startDownload validates the name, resolves range/etag headers against
// the committed record, writes response headers to outBuf, and enqueues
// the first streaming chunk task. Every path appends a response (including
// error responses) to outBuf; the caller does no further handling of the
// request.
func (s *Session) startDownload(req *request, name string) {
	if err := registry.ValidateName(name); err != nil {
		s.appendOutput(notFound())
		s.recordDownload("404")
		return
	}

	rec, ok := s.registry.Get(name)
	if !ok {
		s.appendOutput(notFound())
		s.recordDownload("404")
		return
	}

	etag := fmt.Sprintf("%s-%d-%d", name, rec.Time, rec.Size)

	start, end, status := resolveRange(req, etag, rec.Size)

	headers := map[string]string{
		"Content-Type":        "application/octet-stream",
		"Accept-Ranges":       "bytes",
		"ETag":                etag,
		"Content-Length":      strconv.FormatInt(end-start, 10),
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, name),
	}
	if status == 206 {
		headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", start, end-1, rec.Size)
	}

	s.appendOutput(buildHeadersOnly(status, headers))
	s.recordDownload(strconv.Itoa(status))

	if start >= end {
		return
	}

	s.scheduleChunk(downloadJob{name: name, start: start, end: end, first: true})
}

// resolveRange implements the If-Range/Range negotiation: a matching
// If-Range unlocks a partial response; anything else (no Range header, a
// stale If-Range, or a Range without If-Range) falls back to the full
// entity.
func resolveRange(req *request, etag string, size int64) (start, end int64, status int) {
	rangeHeader := req.header("range")
	ifRange := req.header("if-range")

	if rangeHeader == "" || ifRange == "" || ifRange != etag {
		return 0, size, 200
	}

	s, e, ok := parseRangeHeader(rangeHeader, size)
	if !ok {
		return 0, size, 200
	}
	return s, e, 206
}

// parseRangeHeader parses "bytes=START-END" (END optional, meaning EOF).
// END is clamped to size.
func parseRangeHeader(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}

	if parts[1] == "" {
		end = size
	} else {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		end = e + 1 // header end is inclusive
	}

	if end > size {
		end = size
	}
	if start > end {
		return 0, 0, false
	}
	return start, end, true
}

// scheduleChunk enqueues the next chunk of a download onto the worker
// pool, falling back to inline execution if the pool is saturated so a
// slow stream never stalls the whole pool's throughput.
func (s *Session) scheduleChunk(job downloadJob) {
	task := func() { s.streamChunk(job) }
	if !s.pool.TryPush(task) {
		task()
	}
}

// streamChunk reads one chunk of the file, consulting the prefix cache
// for the very first chunk of the stream, appends it to outBuf, notifies
// the reactor, and self-reschedules until the range is drained. Any disk
// error closes the connection, since response headers have already been
// sent and there is no way to signal an HTTP-level failure mid-stream.
func (s *Session) streamChunk(job downloadJob) {
	if s.closed.Load() {
		return
	}

	if job.first && job.start == 0 {
		if prefix, hit := s.registry.PrefixGet(job.name); hit {
			if s.metrics != nil {
				s.metrics.RecordCacheHit()
			}
			served := int64(len(prefix))
			if want := job.end - job.start; served > want {
				served = want
			}
			s.appendOutput(prefix[:served])
			s.advanceOrFinish(job, served)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordCacheMiss()
		}
	}

	rec, ok := s.registry.Get(job.name)
	if !ok {
		s.notifier.NotifyClose(s.id)
		return
	}

	chunkSize := s.maxChunkBytes
	if remaining := job.end - job.start; remaining < chunkSize {
		chunkSize = remaining
	}

	buf := bufpool.Get(int(chunkSize))
	defer bufpool.Put(buf)

	rec.IO.RLock()
	f, err := os.Open(filepath.Join(s.backupDir, job.name))
	var n int
	if err == nil {
		defer f.Close()
		n, err = f.ReadAt(buf, job.start)
	}
	rec.IO.RUnlock()

	if err != nil && n == 0 && chunkSize > 0 {
		s.notifier.NotifyClose(s.id)
		return
	}

	chunk := buf[:n]
	if job.first && job.start == 0 {
		s.registry.PrefixPut(job.name, chunk)
	}

	s.appendOutput(chunk)
	s.advanceOrFinish(job, int64(n))
}

func (s *Session) advanceOrFinish(job downloadJob, advanced int64) {
	job.start += advanced
	job.first = false
	if job.start >= job.end {
		return
	}
	s.scheduleChunk(job)
}

func (s *Session) recordDownload(status string) {
	if s.metrics != nil {
		s.metrics.RecordDownload(status)
	}
}
