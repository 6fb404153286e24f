package session

import (
	"bytes"
	"fmt"
)

var statusText = map[int]string{
	200: "OK",
	206: "Partial Content",
	207: "Multi-Status",
	400: "Bad Request",
	404: "Not Found",
	500: "Internal Server Error",
}

// buildResponse renders a complete HTTP/1.1 response: status line,
// headers (in insertion order is not guaranteed since headers is a map,
// which is harmless for any client that parses headers properly), and
// body. Content-Length is added automatically from len(body) unless the
// caller already supplied one. Download and range responses do not use
// this function; they go through buildHeadersOnly.
func buildResponse(status int, headers map[string]string, body []byte) []byte {
	text, ok := statusText[status]
	if !ok {
		text = "Unknown"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s"+crlf, status, text)

	if _, has := headers["Content-Length"]; !has {
		fmt.Fprintf(&buf, "Content-Length: %d"+crlf, len(body))
	}
	for k, v := range headers {
		fmt.Fprintf(&buf, "%s: %s"+crlf, k, v)
	}
	buf.WriteString(crlf)
	buf.Write(body)

	return buf.Bytes()
}

// buildHeadersOnly renders just the status line and headers, with no
// body appended; used by the download path, which streams the body in
// follow-up chunks rather than in the same buffer write.
func buildHeadersOnly(status int, headers map[string]string) []byte {
	text, ok := statusText[status]
	if !ok {
		text = "Unknown"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s"+crlf, status, text)
	for k, v := range headers {
		fmt.Fprintf(&buf, "%s: %s"+crlf, k, v)
	}
	buf.WriteString(crlf)

	return buf.Bytes()
}
