package scoring

import (
	"log"
	"net/url"
	"strings"
)

// MaxScore caps the accumulated evidence score.
const MaxScore = 100

var (
	reportMarkers = []string{"TEST", "REPORT", "RESULTS", "EVIDENCE"}
	knownExts     = []string{".PDF", ".HTML", ".JSON", ".XML", ".PNG", ".JPG"}
)

// Calculate maps an evidence URL to a deterministic quality score in [0,100].
// The URL text is the only input; it is never fetched. An unparseable URL or one
// missing a scheme or host scores 0 (not an error).
func Calculate(evidenceURL string) int {
	u, err := url.Parse(evidenceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		log.Printf("[scoring] invalid evidence url %q", evidenceURL)
		return 0
	}

	upper := strings.ToUpper(evidenceURL)
	score := 0

	switch {
	case strings.HasPrefix(upper, "HTTPS://"):
		score += 20
	case strings.HasPrefix(upper, "HTTP://"):
		score += 10
	}

	// each distinct marker scores; "test-report" earns both
	for _, marker := range reportMarkers {
		if strings.Contains(upper, marker) {
			score += 20
		}
	}
	if strings.Contains(upper, "PASS") {
		score += 30
	}
	if strings.Contains(upper, "SUCCESS") {
		score += 20
	}
	for _, ext := range knownExts {
		if strings.Contains(upper, ext) {
			score += 10
			break
		}
	}

	if score > MaxScore {
		score = MaxScore
	}
	return score
}
