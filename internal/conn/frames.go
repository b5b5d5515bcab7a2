package conn

import (
	"sort"
	"strconv"

	"golang.org/x/net/http2/hpack"
)

// buildHeaderFields lays out the HPACK field list for req in the order
// HTTP/2 requires: all pseudo-headers before any regular header.
// Regular headers are emitted in sorted order for deterministic wire
// traces; HTTP/2 attaches no significance to header order beyond the
// pseudo/regular split.
func buildHeaderFields(req Request) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: req.Path},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: req.Authority},
	}

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, hpack.HeaderField{Name: name, Value: req.Headers[name]})
	}

	fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(req.Body))})
	return fields
}
