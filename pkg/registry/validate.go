package registry

import "fmt"

// maxNameLength bounds filenames, matching the HTTP surface's path segment
// limits and leaving room for the ETag and Content-Disposition headers.
const maxNameLength = 255

// ErrInvalidName is returned by ValidateName (and so by Reserve) when a
// filename fails validation; callers translate it to a 404/400 at the HTTP layer.
var ErrInvalidName = fmt.Errorf("invalid filename")

// ValidateName enforces the filename charset and structure: no path
// separators, no null bytes, no leading dot, not "." or "..", 1-255 bytes,
// and no control characters (bytes below 0x20 or 0x7f). Exported so callers
// outside the package (the HTTP layer's download and upload paths) can
// reject a bad name before ever calling into the registry.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > maxNameLength {
		return ErrInvalidName
	}
	if name == "." || name == ".." {
		return ErrInvalidName
	}
	if name[0] == '.' {
		return ErrInvalidName
	}

	for i := 0; i < len(name); i++ {
		b := name[i]
		switch {
		case b == '/' || b == '\\' || b == 0:
			return ErrInvalidName
		case b < 0x20 || b == 0x7f:
			return ErrInvalidName
		}
	}

	return nil
}
