package delegate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Delegation markers are an untrusted protocol embedded in free-form
// agent output. The grammar is strict:
//
//	[delegate] <description> :: <estimated effort tokens>
//
// exactly one marker per line, description 1–500 characters, effort a
// positive integer. Anything that starts like a marker but does not
// match is rejected and reported, never best-effort matched.
var markerRegex = regexp.MustCompile(`^\[delegate\]\s+(.+?)\s*::\s*([0-9]+)$`)

const maxMarkerDescriptionLen = 500

// Marker is one parsed delegation request.
type Marker struct {
	Description     string
	EstimatedTokens int
}

// RejectedMarker is a line that looked like a marker but failed the
// grammar, with the reason it was refused.
type RejectedMarker struct {
	Line   string
	Reason string
}

// ParseMarkers extracts delegation markers from agent output. Lines
// that do not begin with "[delegate]" are ignored; lines that do but
// fail the grammar are returned as rejected.
func ParseMarkers(output string) ([]Marker, []RejectedMarker) {
	var markers []Marker
	var rejected []RejectedMarker

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "[delegate]") {
			continue
		}

		m := markerRegex.FindStringSubmatch(line)
		if m == nil {
			rejected = append(rejected, RejectedMarker{
				Line:   line,
				Reason: "does not match grammar \"[delegate] <description> :: <tokens>\"",
			})
			continue
		}

		desc := m[1]
		if len(desc) > maxMarkerDescriptionLen {
			rejected = append(rejected, RejectedMarker{
				Line:   line,
				Reason: fmt.Sprintf("description length %d exceeds %d", len(desc), maxMarkerDescriptionLen),
			})
			continue
		}

		tokens, err := strconv.Atoi(m[2])
		if err != nil || tokens <= 0 {
			rejected = append(rejected, RejectedMarker{
				Line:   line,
				Reason: fmt.Sprintf("invalid estimated tokens %q", m[2]),
			})
			continue
		}

		markers = append(markers, Marker{Description: desc, EstimatedTokens: tokens})
	}

	return markers, rejected
}
