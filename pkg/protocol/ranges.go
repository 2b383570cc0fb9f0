package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrUnsatisfiableRange is returned when a range starts at or beyond the end
// of the resource.
var ErrUnsatisfiableRange = errors.New("range not satisfiable")

var (
	rangeRe        = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)
	contentRangeRe = regexp.MustCompile(`^bytes (?:(\d+)-(\d+)|\*)/(\d+|\*)$`)
)

// FormatRange renders a Range request header. A non-positive length means
// "to the end".
func FormatRange(offset, length int64) string {
	if length > 0 {
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	return fmt.Sprintf("bytes=%d-", offset)
}

// ParseRange parses a Range header against a resource of totalSize bytes.
// Supports "bytes=start-end", "bytes=start-" and "bytes=-suffix".
// hasRange is false when the header is empty or malformed, in which case the
// whole resource is served.
func ParseRange(header string, totalSize int64) (offset, length int64, hasRange bool, err error) {
	if header == "" {
		return 0, totalSize, false, nil
	}
	m := rangeRe.FindStringSubmatch(header)
	if m == nil {
		return 0, totalSize, false, nil
	}
	startStr, endStr := m[1], m[2]

	if startStr == "" {
		if endStr == "" {
			return 0, totalSize, false, nil
		}
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		return offset, totalSize - offset, true, nil
	}

	offset, _ = strconv.ParseInt(startStr, 10, 64)
	if offset >= totalSize {
		return 0, 0, true, ErrUnsatisfiableRange
	}
	if endStr == "" {
		return offset, totalSize - offset, true, nil
	}
	end, _ := strconv.ParseInt(endStr, 10, 64)
	if end < offset {
		return 0, totalSize, false, nil
	}
	if end >= totalSize {
		end = totalSize - 1
	}
	return offset, end - offset + 1, true, nil
}

// FormatContentRange renders the Content-Range header of a ranged PUT.
// An empty body (length 0) only sets the total size: "bytes */total".
func FormatContentRange(offset, length, total int64) string {
	if length <= 0 {
		return fmt.Sprintf("bytes */%d", total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total)
}

// ContentRange is a parsed Content-Range header. Total is -1 when unknown.
type ContentRange struct {
	Offset int64
	Length int64
	Total  int64
}

// ParseContentRange parses a Content-Range header.
func ParseContentRange(header string) (ContentRange, error) {
	m := contentRangeRe.FindStringSubmatch(header)
	if m == nil {
		return ContentRange{}, fmt.Errorf("malformed content-range %q", header)
	}
	cr := ContentRange{Total: -1}
	if m[1] != "" {
		start, _ := strconv.ParseInt(m[1], 10, 64)
		end, _ := strconv.ParseInt(m[2], 10, 64)
		if end < start {
			return ContentRange{}, fmt.Errorf("malformed content-range %q", header)
		}
		cr.Offset = start
		cr.Length = end - start + 1
	}
	if m[3] != "*" {
		cr.Total, _ = strconv.ParseInt(m[3], 10, 64)
		if cr.Total >= 0 && cr.Offset+cr.Length > cr.Total {
			return ContentRange{}, fmt.Errorf("content-range %q exceeds total", header)
		}
	}
	return cr, nil
}
