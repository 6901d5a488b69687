package decode

import (
	"bytes"
	"fmt"
)

var (
	markerSOI  = []byte{0xFF, 0xD8}
	markerSOF0 = []byte{0xFF, 0xC0}
)

// Validate rejects MJPEG payloads that cameras emit when a transfer is cut
// short or two frames are spliced together: a missing start-of-image marker
// or more than one baseline start-of-frame segment.
func Validate(data []byte) error {
	if !bytes.HasPrefix(data, markerSOI) {
		return fmt.Errorf("%w: missing SOI marker", ErrCorruptFrame)
	}
	if n := bytes.Count(data, markerSOF0); n > 1 {
		return fmt.Errorf("%w: %d SOF0 markers", ErrCorruptFrame, n)
	}
	return nil
}
