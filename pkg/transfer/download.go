package transfer

import (
	"strconv"
	"strings"
)

// ByteRange is one inclusive byte range within a file of known size.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRangeHeader interprets a single HTTP byte range ("bytes=a-b",
// "bytes=a-", or the suffix form "bytes=-n") against a file of the given
// size. Multiple ranges, non-byte units and unsatisfiable ranges all return
// false, which means: serve the whole file.
func ParseRangeHeader(header string, size int64) (ByteRange, bool) {
	if size <= 0 {
		return ByteRange{}, false
	}

	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return ByteRange{}, false
	}
	if strings.Contains(spec, ",") {
		return ByteRange{}, false
	}

	startPart, endPart, ok := strings.Cut(spec, "-")
	if !ok {
		return ByteRange{}, false
	}
	startPart = strings.TrimSpace(startPart)
	endPart = strings.TrimSpace(endPart)

	if startPart == "" {
		// Suffix form: the last n bytes.
		n, err := strconv.ParseInt(endPart, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}, true
	}

	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil || start < 0 || start >= size {
		return ByteRange{}, false
	}

	end := size - 1
	if endPart != "" {
		end, err = strconv.ParseInt(endPart, 10, 64)
		if err != nil || end < start {
			return ByteRange{}, false
		}
		if end > size-1 {
			end = size - 1
		}
	}

	return ByteRange{Start: start, End: end}, true
}

// SanitizeFilename restricts a download filename to a conservative character
// set for the Content-Disposition header. Anything outside it becomes "_".
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '.', r == '_', r == ' ', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	return b.String()
}
