// Package compress estimates value sizes and rewrites JSON-shaped text into a
// denser equivalent before it is stored.
package compress

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// DefaultThreshold is the size above which values are compressed.
const DefaultThreshold = 1024

// EstimateSize returns the UTF-8 byte length of value.
func EstimateSize(value string) int {
	return len(value)
}

// Compress strips incidental whitespace. JSON objects and arrays are
// re-serialized without whitespace outside strings; anything else has runs of
// whitespace collapsed to a single space. Compress never fails and
// Compress(Compress(x)) == Compress(x).
func Compress(value string) string {
	s := strings.TrimSpace(value)
	if compact, ok := compactJSON(s); ok {
		return compact
	}

	collapsed := strings.Join(strings.Fields(s), " ")
	// Collapsing can turn raw newlines inside strings into spaces and make
	// the text valid JSON; compact it so a second pass is a no-op.
	if compact, ok := compactJSON(collapsed); ok {
		return compact
	}
	return collapsed
}

func compactJSON(s string) (string, bool) {
	if !LooksLikeJSON(s) || !gjson.Valid(s) {
		return "", false
	}
	return string(pretty.Ugly([]byte(s))), true
}

// LooksLikeJSON reports whether s starts like a JSON object or array.
func LooksLikeJSON(s string) bool {
	s = strings.TrimLeft(s, " \t\r\n")
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// Savings returns the fraction of bytes saved going from before to after.
func Savings(before, after string) float64 {
	if len(before) == 0 {
		return 0
	}
	return float64(len(before)-len(after)) / float64(len(before))
}

// Compressor applies Compress only to values above Threshold bytes.
type Compressor struct {
	Threshold int
}

// New returns a Compressor, using DefaultThreshold when threshold is negative.
func New(threshold int) *Compressor {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Compressor{Threshold: threshold}
}

// MaybeCompress returns the value to store and whether it was rewritten.
func (c *Compressor) MaybeCompress(value string) (string, bool) {
	if EstimateSize(value) <= c.Threshold {
		return value, false
	}
	out := Compress(value)
	return out, out != value
}
