package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cloudbackup/server/pkg/cache"
	"github.com/cloudbackup/server/pkg/registry"
	"github.com/cloudbackup/server/pkg/workerpool"
)

// fakeNotifier records the calls a Session makes back into the reactor,
// without any pipe or fd machinery.
type fakeNotifier struct {
	writable []string
	closed   []string
}

func (f *fakeNotifier) NotifyWritable(id string) { f.writable = append(f.writable, id) }
func (f *fakeNotifier) NotifyClose(id string)     { f.closed = append(f.closed, id) }

func newTestSession(t *testing.T) (*Session, *registry.Registry, *fakeNotifier) {
	t.Helper()

	dir := t.TempDir()
	snapshotPath := dir + "/snapshot.json"
	c := cache.New(8, 4096)
	reg := registry.New(dir, snapshotPath, c, nil)
	if err := reg.Start(); err != nil {
		t.Fatalf("registry start: %v", err)
	}
	t.Cleanup(func() { _ = reg.Stop() })

	pool := workerpool.New(2, 16)
	t.Cleanup(pool.Close)

	notifier := &fakeNotifier{}
	sess := New("1_1", reg, pool, nil, notifier, Config{
		BackupDir:       dir,
		MaxChunkBytes:   64 * 1024,
		PerRequestBytes: 1 << 20,
	})
	return sess, reg, notifier
}

// driveSync runs processOnce in a loop against the session's accumulated
// input buffer, synchronously, mirroring what Drive does but without
// touching the worker pool, so tests can assert on output deterministically.
func driveSync(t *testing.T, s *Session) {
	t.Helper()
	for {
		s.inMu.Lock()
		window := s.inBuf
		s.inMu.Unlock()
		if len(window) == 0 {
			return
		}
		n := s.processOnce(window)
		if n == 0 {
			return
		}
		s.inMu.Lock()
		s.inBuf = s.inBuf[n:]
		s.inMu.Unlock()
	}
}

func sendAndDrive(t *testing.T, s *Session, data []byte) {
	t.Helper()
	s.AppendInput(data)
	driveSync(t, s)
}

func readStatusLine(t *testing.T, out []byte) (status int, rest []byte) {
	t.Helper()
	idx := bytes.Index(out, []byte(crlf))
	if idx < 0 {
		t.Fatalf("no CRLF in response: %q", out)
	}
	line := string(out[:idx])
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		t.Fatalf("malformed status line: %q", line)
	}
	fmt.Sscanf(parts[1], "%d", &status)
	return status, out[idx+len(crlf):]
}

func splitHeadersBody(t *testing.T, rest []byte) (map[string]string, []byte) {
	t.Helper()
	idx := bytes.Index(rest, []byte(headerEnd))
	if idx < 0 {
		t.Fatalf("no header terminator in response: %q", rest)
	}
	headers := map[string]string{}
	for _, line := range strings.Split(string(rest[:idx]), crlf) {
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return headers, rest[idx+len(headerEnd):]
}

func TestShowlistRoute(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sendAndDrive(t, sess, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))

	out := sess.PeekOutput()
	status, rest := readStatusLine(t, out)
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	headers, body := splitHeadersBody(t, rest)
	if headers["Content-Type"] != "text/html; charset=utf-8" {
		t.Fatalf("content-type = %q", headers["Content-Type"])
	}
	if !bytes.Equal(body, showlistHTML) {
		t.Fatalf("body does not match embedded asset")
	}
}

func TestNotFoundRoute(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sendAndDrive(t, sess, []byte("GET /nope HTTP/1.1\r\n\r\n"))

	out := sess.PeekOutput()
	status, _ := readStatusLine(t, out)
	if status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

func multipartBody(boundary string, files map[string]string) []byte {
	var buf bytes.Buffer
	for name, content := range files {
		fmt.Fprintf(&buf, "--%s"+crlf, boundary)
		fmt.Fprintf(&buf, "Content-Disposition: form-data; name=\"file\"; filename=%q"+crlf, name)
		buf.WriteString("Content-Type: application/octet-stream" + crlf + crlf)
		buf.WriteString(content)
		buf.WriteString(crlf)
	}
	fmt.Fprintf(&buf, "--%s--"+crlf, boundary)
	return buf.Bytes()
}

func uploadRequest(boundary string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "POST /upload HTTP/1.1"+crlf)
	fmt.Fprintf(&buf, "Content-Type: multipart/form-data; boundary=%s"+crlf, boundary)
	fmt.Fprintf(&buf, "Content-Length: %d"+crlf, len(body))
	buf.WriteString(crlf)
	buf.Write(body)
	return buf.Bytes()
}

func TestUploadSingleFileThenListAndDownload(t *testing.T) {
	sess, reg, _ := newTestSession(t)

	boundary := "XYZ123"
	body := multipartBody(boundary, map[string]string{"hello.txt": "hello world"})
	sendAndDrive(t, sess, uploadRequest(boundary, body))

	out := sess.PeekOutput()
	status, rest := readStatusLine(t, out)
	if status != 200 {
		t.Fatalf("upload status = %d, want 200, body=%s", status, out)
	}
	_, respBody := splitHeadersBody(t, rest)

	var result uploadResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("unmarshal upload result: %v", err)
	}
	if result.SuccessCount != 1 || result.FailCount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.SuccessFiles[0] != "hello.txt" {
		t.Fatalf("success files = %v", result.SuccessFiles)
	}

	rec, ok := reg.Get("hello.txt")
	if !ok {
		t.Fatalf("file not committed in registry")
	}
	if rec.Size != int64(len("hello world")) {
		t.Fatalf("size = %d, want %d", rec.Size, len("hello world"))
	}
	sess.ConsumeOutput(len(out))

	sendAndDrive(t, sess, []byte("GET /api/GetBackupFiles HTTP/1.1\r\n\r\n"))
	out = sess.PeekOutput()
	status, rest = readStatusLine(t, out)
	if status != 200 {
		t.Fatalf("list status = %d", status)
	}
	_, respBody = splitHeadersBody(t, rest)
	var listing fileListResponse
	if err := json.Unmarshal(respBody, &listing); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}
	if len(listing.Files) != 1 || listing.Files[0].Filename != "hello.txt" {
		t.Fatalf("listing = %+v", listing)
	}
	sess.ConsumeOutput(len(out))

	sess.AppendInput([]byte("GET /download/hello.txt HTTP/1.1\r\n\r\n"))
	sess.Drive()
	time.Sleep(20 * time.Millisecond)

	out = sess.PeekOutput()
	status, rest = readStatusLine(t, out)
	if status != 200 {
		t.Fatalf("download status = %d", status)
	}
	headers, downloadBody := splitHeadersBody(t, rest)
	if headers["Content-Length"] != fmt.Sprintf("%d", len("hello world")) {
		t.Fatalf("content-length = %q", headers["Content-Length"])
	}
	if string(downloadBody) != "hello world" {
		t.Fatalf("download body = %q", downloadBody)
	}
}

func TestUploadMixedSuccessAndFailureIsMultiStatus(t *testing.T) {
	sess, reg, _ := newTestSession(t)

	if err := reg.Reserve("taken.txt"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	boundary := "BOUND"
	body := multipartBody(boundary, map[string]string{
		"ok.txt":    "fine",
		"taken.txt": "will fail, already reserved",
	})
	sendAndDrive(t, sess, uploadRequest(boundary, body))

	out := sess.PeekOutput()
	status, rest := readStatusLine(t, out)
	if status != 207 {
		t.Fatalf("status = %d, want 207", status)
	}
	_, respBody := splitHeadersBody(t, rest)
	var result uploadResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.SuccessCount != 1 || result.FailCount != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestUploadAllFailuresIsBadRequest(t *testing.T) {
	sess, _, _ := newTestSession(t)

	boundary := "BOUND"
	body := multipartBody(boundary, map[string]string{"../escape.txt": "nope"})
	sendAndDrive(t, sess, uploadRequest(boundary, body))

	out := sess.PeekOutput()
	status, _ := readStatusLine(t, out)
	if status != 400 {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestDownloadUnknownFileIs404(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sendAndDrive(t, sess, []byte("GET /download/missing.txt HTTP/1.1\r\n\r\n"))

	out := sess.PeekOutput()
	status, _ := readStatusLine(t, out)
	if status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestDownloadPathTraversalBlocked(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sendAndDrive(t, sess, []byte("GET /download/../etc/passwd HTTP/1.1\r\n\r\n"))

	out := sess.PeekOutput()
	status, _ := readStatusLine(t, out)
	if status != 404 {
		t.Fatalf("status = %d, want 404 for traversal attempt", status)
	}
}

func uploadOneFile(t *testing.T, sess *Session, name, content string) {
	t.Helper()
	boundary := "SETUP"
	body := multipartBody(boundary, map[string]string{name: content})
	sendAndDrive(t, sess, uploadRequest(boundary, body))
	sess.ConsumeOutput(sess.OutputLen())
}

func TestDownloadRangeWithMatchingETag(t *testing.T) {
	sess, reg, _ := newTestSession(t)
	uploadOneFile(t, sess, "range.txt", "0123456789")

	rec, _ := reg.Get("range.txt")
	etag := fmt.Sprintf("%s-%d-%d", "range.txt", rec.Time, rec.Size)

	req := fmt.Sprintf("GET /download/range.txt HTTP/1.1\r\nRange: bytes=2-5\r\nIf-Range: %s\r\n\r\n", etag)
	sess.AppendInput([]byte(req))
	sess.Drive()
	time.Sleep(20 * time.Millisecond)

	out := sess.PeekOutput()
	status, rest := readStatusLine(t, out)
	if status != 206 {
		t.Fatalf("status = %d, want 206", status)
	}
	headers, body := splitHeadersBody(t, rest)
	if headers["Content-Range"] != "bytes 2-5/10" {
		t.Fatalf("content-range = %q", headers["Content-Range"])
	}
	if string(body) != "2345" {
		t.Fatalf("body = %q, want %q", body, "2345")
	}
}

func TestDownloadRangeWithStaleETagFallsBackToFullBody(t *testing.T) {
	sess, _, _ := newTestSession(t)
	uploadOneFile(t, sess, "stale.txt", "abcdefghij")

	req := "GET /download/stale.txt HTTP/1.1\r\nRange: bytes=2-5\r\nIf-Range: stale-etag\r\n\r\n"
	sess.AppendInput([]byte(req))
	sess.Drive()
	time.Sleep(20 * time.Millisecond)

	out := sess.PeekOutput()
	status, rest := readStatusLine(t, out)
	if status != 200 {
		t.Fatalf("status = %d, want 200 (full body fallback)", status)
	}
	_, body := splitHeadersBody(t, rest)
	if string(body) != "abcdefghij" {
		t.Fatalf("body = %q", body)
	}
}

func TestDeleteRemovesCommittedFile(t *testing.T) {
	sess, reg, _ := newTestSession(t)
	uploadOneFile(t, sess, "gone.txt", "bye")

	sendAndDrive(t, sess, []byte("DELETE /delete/gone.txt HTTP/1.1\r\n\r\n"))
	out := sess.PeekOutput()
	status, _ := readStatusLine(t, out)
	if status != 200 {
		t.Fatalf("delete status = %d, want 200", status)
	}

	if _, ok := reg.Get("gone.txt"); ok {
		t.Fatalf("file still present after delete")
	}
	if _, err := os.Stat(sess.backupDir + "/gone.txt"); !os.IsNotExist(err) {
		t.Fatalf("file still exists on disk")
	}
}

func TestDeleteUnknownFileIs404(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sendAndDrive(t, sess, []byte("DELETE /delete/nope.txt HTTP/1.1\r\n\r\n"))

	out := sess.PeekOutput()
	status, _ := readStatusLine(t, out)
	if status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

// TestMultipartFeedIsChunkAgnostic checks that feeding a multipart body
// one byte at a time through AppendInput/Drive yields the same committed
// result as feeding it all at once, i.e. the incremental parser's
// behavior does not depend on how the reactor happened to partition reads.
func TestMultipartFeedIsChunkAgnostic(t *testing.T) {
	sess, reg, _ := newTestSession(t)

	boundary := "CHUNKED"
	body := multipartBody(boundary, map[string]string{"byte-at-a-time.bin": strings.Repeat("qz", 200)})
	full := uploadRequest(boundary, body)

	for i := 0; i < len(full); i++ {
		sess.AppendInput(full[i : i+1])
		driveSync(t, sess)
	}

	rec, ok := reg.Get("byte-at-a-time.bin")
	if !ok {
		t.Fatalf("file not committed after byte-at-a-time feed")
	}
	if rec.Size != int64(len(strings.Repeat("qz", 200))) {
		t.Fatalf("size = %d", rec.Size)
	}
}

func TestCloseStopsFurtherProcessing(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.Close()
	if !sess.Closed() {
		t.Fatalf("Closed() = false after Close()")
	}

	sess.AppendInput([]byte("GET / HTTP/1.1\r\n\r\n"))
	sess.Drive()

	if sess.OutputLen() != 0 {
		t.Fatalf("expected no output after Close, got %d bytes", sess.OutputLen())
	}
}
