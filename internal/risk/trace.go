package risk

import (
	"crypto/sha256"
	"encoding/hex"
)

// Trace id prefixes by call site.
const (
	PrefixTrace   = "trace_"
	PrefixInbound = "inbound_"
)

// TraceIDLength is the number of hex characters after the prefix.
const TraceIDLength = 12

const traceDelimiter = "\x1f"

// TraceID derives a stable identifier from exactly content, category and
// ruleset version. Identical inputs always yield identical ids.
func TraceID(prefix, content string, category Category, version string) string {
	sum := sha256.Sum256([]byte(content + traceDelimiter + category.String() + traceDelimiter + version))
	return prefix + hex.EncodeToString(sum[:])[:TraceIDLength]
}
