package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// log statements so log aggregation and querying stay uniform.
const (
	KeyRequestID = "request_id" // uuid assigned to a parsed HTTP message
	KeySessionID = "session_id" // reactor session id, "<fd>_<generation>"
	KeyMethod    = "method"     // HTTP method
	KeyPath      = "path"       // request path
	KeyStatus    = "status"     // HTTP status code

	KeyFilename = "filename" // backup filename
	KeySize     = "size"     // file size in bytes

	KeyOffset       = "offset"        // byte offset for range operations
	KeyBytesRead    = "bytes_read"    // actual bytes read from disk
	KeyBytesWritten = "bytes_written" // actual bytes written to a socket/file

	KeyClientIP = "client_ip" // client IP address

	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message

	KeyCacheHit      = "cache_hit"      // cache hit indicator
	KeyCacheSize     = "cache_size"     // current cache entry count
	KeyCacheCapacity = "cache_capacity" // maximum cache entry count
	KeyEvicted       = "evicted"        // lru entry evicted on this put

	KeyFd         = "fd"         // raw socket file descriptor
	KeyGeneration = "generation" // fd reuse generation
)

// RequestID returns a slog.Attr for the request correlation id.
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

// SessionID returns a slog.Attr for the reactor session id.
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// Method returns a slog.Attr for the HTTP method.
func Method(m string) slog.Attr {
	return slog.String(KeyMethod, m)
}

// Path returns a slog.Attr for the request path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Status returns a slog.Attr for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// Filename returns a slog.Attr for a backup filename.
func Filename(name string) slog.Attr {
	return slog.String(KeyFilename, name)
}

// Size returns a slog.Attr for a file size.
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// Offset returns a slog.Attr for a byte offset.
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// BytesRead returns a slog.Attr for bytes read from disk.
func BytesRead(n int) slog.Attr {
	return slog.Int(KeyBytesRead, n)
}

// BytesWritten returns a slog.Attr for bytes written to a socket.
func BytesWritten(n int) slog.Attr {
	return slog.Int(KeyBytesWritten, n)
}

// ClientIP returns a slog.Attr for the client IP address.
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or a no-op attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// CacheHit returns a slog.Attr for a cache hit/miss indicator.
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// CacheSize returns a slog.Attr for the current cache entry count.
func CacheSize(size int) slog.Attr {
	return slog.Int(KeyCacheSize, size)
}

// CacheCapacity returns a slog.Attr for the configured cache capacity.
func CacheCapacity(capacity int) slog.Attr {
	return slog.Int(KeyCacheCapacity, capacity)
}

// Evicted returns a slog.Attr for whether a Put caused an eviction.
func Evicted(evicted bool) slog.Attr {
	return slog.Bool(KeyEvicted, evicted)
}

// Fd returns a slog.Attr for a raw socket file descriptor.
func Fd(fd int) slog.Attr {
	return slog.Int(KeyFd, fd)
}

// Generation returns a slog.Attr for an fd reuse generation counter.
func Generation(gen int) slog.Attr {
	return slog.Int(KeyGeneration, gen)
}
