package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateInvalidInputs(t *testing.T) {
	assert.Equal(t, 0, Calculate(""))
	assert.Equal(t, 0, Calculate("not-a-url"))
	assert.Equal(t, 0, Calculate("://missing-scheme"))
	assert.Equal(t, 0, Calculate("https://"))
}

func TestCalculateSchemeBonus(t *testing.T) {
	assert.Equal(t, 20, Calculate("https://example.com"))
	assert.Equal(t, 10, Calculate("http://example.com"))
	assert.Equal(t, 0, Calculate("ftp://example.com/file"))
}

func TestCalculateAccumulation(t *testing.T) {
	// 20 https + 20 REPORT + 30 PASS + 10 extension
	assert.Equal(t, 80, Calculate("https://ci.example.com/report-PASS.pdf"))

	// 20 + TEST 20 + REPORT 20 + 30 + 10 = 100 exactly at the clamp
	assert.Equal(t, 100, Calculate("https://example.com/test-report-PASS.pdf"))

	// each distinct marker accumulates
	assert.Equal(t, 80, Calculate("https://example.com/test-report-results"))
}

func TestCalculateDeterministic(t *testing.T) {
	const u = "https://ci.example.com/test-PASS-report.json"
	first := Calculate(u)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Calculate(u))
	}
	assert.GreaterOrEqual(t, first, 70)
}

func TestCalculateBounds(t *testing.T) {
	inputs := []string{
		"",
		"x",
		"https://example.com/test-report-results-evidence-PASS-SUCCESS.pdf.html.json",
		"http://example.com/report",
	}
	for _, in := range inputs {
		got := Calculate(in)
		assert.GreaterOrEqual(t, got, 0)
		assert.LessOrEqual(t, got, 100)
	}
}

func TestCalculateCaseInsensitive(t *testing.T) {
	assert.Equal(t, Calculate("https://x.com/pass-REPORT.PDF"), Calculate("HTTPS://X.COM/PASS-report.pdf"))
}
