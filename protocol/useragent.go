// File: protocol/useragent.go
// Author: momentics <momentics@gmail.com>

package protocol

import (
	"strconv"
	"strings"
)

// HasBrokenCompression reports whether ua is Safari 15.0 through 15.3, whose
// permessage-deflate implementation mishandles client_no_context_takeover.
func HasBrokenCompression(ua string) bool {
	const marker = " Version/15."
	start := strings.Index(ua, marker)
	if start < 0 {
		return false
	}
	start += len(marker)

	end := strings.IndexByte(ua[start:], ' ')
	if end < 0 {
		return false
	}
	end += start

	minor, err := strconv.ParseUint(ua[start:end], 10, 32)
	if err != nil || minor > 3 {
		return false
	}
	return strings.Contains(ua[end:], " Safari/")
}
