package frame

import (
	"fmt"
	"strconv"
)

// MarkerPrefix starts the raw handshake marker written after an STP/1
// upgrade is accepted.
const MarkerPrefix = "STP/"

const maxMarkerDigits = 9

// Marker returns the raw marker bytes for version, e.g. "STP/1\n".
func Marker(version int) []byte {
	return []byte(MarkerPrefix + strconv.Itoa(version) + "\n")
}

// ParseMarker reads "STP/" + digits + "\n" from the start of buf.
// n is the number of bytes the marker occupies.
func ParseMarker(buf []byte) (version int, n int, err error) {
	for i := 0; i < len(MarkerPrefix); i++ {
		if i >= len(buf) {
			return 0, 0, ErrNeedMore
		}
		if buf[i] != MarkerPrefix[i] {
			return 0, 0, fmt.Errorf("%w: marker byte %d is %q", ErrInvalidData, i, buf[i])
		}
	}
	i := len(MarkerPrefix)
	start := i
	for ; i < len(buf) && isDigit(buf[i]); i++ {
		if i-start >= maxMarkerDigits {
			return 0, 0, fmt.Errorf("%w: marker version too long", ErrInvalidData)
		}
	}
	if i == len(buf) {
		return 0, 0, ErrNeedMore
	}
	if i == start || buf[i] != '\n' {
		return 0, 0, fmt.Errorf("%w: malformed marker version", ErrInvalidData)
	}
	v, err := strconv.Atoi(string(buf[start:i]))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return v, i + 1, nil
}
