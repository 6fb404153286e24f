package session

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudbackup/server/pkg/registry"
)

// mpState is the multipart scanner's two-state machine: between parts
// (searching for the next boundary) or inside a part (appending bytes to
// the reserved backup file).
type mpState int

const (
	mpBetweenParts mpState = iota
	mpInsidePart
	mpDone
)

// multipartScanner incrementally parses a multipart/form-data body across
// however many reads it takes to arrive, reserving and committing one
// FileRecord per recognized file part. It never buffers a whole part in
// memory: bytes are appended to the backing file as they are scanned.
type multipartScanner struct {
	boundary  string
	delim     []byte // "--boundary", searched for between parts
	partDelim []byte // "\r\n--boundary", searched for inside a part

	state mpState

	currentFilename string
	currentReserved bool
	currentFile     *os.File
	currentWritten  int64

	successFiles []string
	failFiles    []string

	registry  *registry.Registry
	backupDir string
}

func newMultipartScanner(boundary string, reg *registry.Registry, backupDir string) *multipartScanner {
	return &multipartScanner{
		boundary:  boundary,
		delim:     []byte("--" + boundary),
		partDelim: []byte(crlf + "--" + boundary),
		registry:  reg,
		backupDir: backupDir,
	}
}

// feed consumes as much of data as it safely can, returning the number of
// bytes consumed and whether the terminal boundary ("--boundary--") was
// reached. It always leaves at least len(boundary)-sized residual bytes
// unconsumed when no delimiter is found, so a delimiter split across two
// reads is never missed.
func (s *multipartScanner) feed(data []byte) (consumed int, done bool) {
	for {
		switch s.state {
		case mpBetweenParts:
			n, ok := s.scanBetweenParts(data)
			consumed += n
			data = data[n:]
			if !ok {
				return consumed, false
			}
			if s.state == mpDone {
				return consumed, true
			}

		case mpInsidePart:
			n, complete := s.scanInsidePart(data)
			consumed += n
			data = data[n:]
			if !complete {
				return consumed, false
			}

		default:
			return consumed, true
		}
	}
}

// scanBetweenParts looks for the next boundary delimiter. On finding it,
// it also parses the part's headers if enough bytes are buffered, and
// transitions to mpInsidePart (or mpDone on the terminal boundary).
func (s *multipartScanner) scanBetweenParts(data []byte) (consumed int, advanced bool) {
	idx := bytes.Index(data, s.delim)
	if idx < 0 {
		keep := len(s.delim)
		if len(data) > keep {
			return len(data) - keep, false
		}
		return 0, false
	}

	afterDelim := idx + len(s.delim)
	if bytes.HasPrefix(data[afterDelim:], []byte("--")) {
		s.state = mpDone
		return afterDelim + 2, true
	}

	rest := data[afterDelim:]
	headEnd := bytes.Index(rest, []byte(headerEnd))
	if headEnd < 0 {
		// Not enough data yet for the part's header block; discard
		// everything up to the boundary match and wait for more.
		return idx, false
	}

	headerBlock := bytes.TrimPrefix(rest[:headEnd], []byte(crlf))
	filename, hasFilename := extractFilename(string(headerBlock))

	s.beginPart(filename, hasFilename)

	return afterDelim + headEnd + len(headerEnd), true
}

// beginPart reserves the backing file for filename (when present and
// valid) and opens it for appending, or records an immediate failure.
func (s *multipartScanner) beginPart(filename string, hasFilename bool) {
	s.currentFilename = filename
	s.currentReserved = false
	s.currentWritten = 0

	if !hasFilename || registry.ValidateName(filename) != nil {
		s.failFiles = append(s.failFiles, filename)
		s.state = mpInsidePart
		return
	}

	if err := s.registry.Reserve(filename); err != nil {
		s.failFiles = append(s.failFiles, filename)
		s.state = mpInsidePart
		return
	}

	f, err := os.OpenFile(filepath.Join(s.backupDir, filename), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = s.registry.Release(filename)
		s.failFiles = append(s.failFiles, filename)
		s.state = mpInsidePart
		return
	}

	s.currentFile = f
	s.currentReserved = true
	s.state = mpInsidePart
}

// scanInsidePart appends bytes to the current part's file until the next
// boundary delimiter is found, then commits or releases the reservation.
func (s *multipartScanner) scanInsidePart(data []byte) (consumed int, complete bool) {
	idx := bytes.Index(data, s.partDelim)
	if idx < 0 {
		keep := len(s.partDelim)
		writable := len(data)
		if writable > keep {
			writable -= keep
		} else {
			writable = 0
		}
		if writable > 0 {
			s.writeChunk(data[:writable])
		}
		return writable, false
	}

	if idx > 0 {
		s.writeChunk(data[:idx])
	}
	s.endPart()
	s.state = mpBetweenParts
	return idx, true
}

func (s *multipartScanner) writeChunk(chunk []byte) {
	if !s.currentReserved || len(chunk) == 0 {
		return
	}
	n, err := s.currentFile.Write(chunk)
	s.currentWritten += int64(n)
	if err != nil {
		s.failCurrentPart()
	}
}

func (s *multipartScanner) failCurrentPart() {
	if s.currentFile != nil {
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	_ = s.registry.Release(s.currentFilename)
	s.failFiles = append(s.failFiles, s.currentFilename)
	s.currentReserved = false
}

func (s *multipartScanner) endPart() {
	if !s.currentReserved {
		return
	}
	if s.currentFile != nil {
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	if err := s.registry.Commit(s.currentFilename, s.currentWritten, time.Now().Unix()); err != nil {
		s.failFiles = append(s.failFiles, s.currentFilename)
	} else {
		s.successFiles = append(s.successFiles, s.currentFilename)
	}
	s.currentReserved = false
}

// extractFilename parses `filename="..."` out of a Content-Disposition
// header line within a part's header block.
func extractFilename(headerBlock string) (string, bool) {
	for _, line := range strings.Split(headerBlock, crlf) {
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "content-disposition:") {
			continue
		}
		idx := strings.Index(lower, "filename=")
		if idx < 0 {
			return "", false
		}
		value := line[idx+len("filename="):]
		if semi := strings.IndexByte(value, ';'); semi >= 0 {
			value = value[:semi]
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		return value, value != ""
	}
	return "", false
}
