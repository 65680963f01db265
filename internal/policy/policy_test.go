package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promogate/release-gate/internal/models"
)

func utcWindow(t *testing.T, env models.Environment, start, end string) FreezeWindow {
	t.Helper()
	return FreezeWindow{Env: env, Start: start, End: end, Location: time.UTC}
}

func at(t *testing.T, clock string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02 15:04", "2025-06-10 "+clock)
	require.NoError(t, err)
	return parsed.UTC()
}

func TestFreezeWindowSameDayInclusive(t *testing.T) {
	w := utcWindow(t, models.EnvProd, "22:00", "23:59")

	assert.True(t, w.FrozenAt(at(t, "22:00")))
	assert.True(t, w.FrozenAt(at(t, "23:59")))
	assert.True(t, w.FrozenAt(at(t, "22:30")))
	assert.False(t, w.FrozenAt(at(t, "10:00")))
	assert.False(t, w.FrozenAt(at(t, "21:59")))
}

func TestFreezeWindowWrapsMidnight(t *testing.T) {
	w := utcWindow(t, models.EnvProd, "23:00", "01:00")

	assert.True(t, w.FrozenAt(at(t, "23:30")))
	assert.True(t, w.FrozenAt(at(t, "00:30")))
	assert.True(t, w.FrozenAt(at(t, "23:00")))
	assert.True(t, w.FrozenAt(at(t, "01:00")))
	assert.False(t, w.FrozenAt(at(t, "15:00")))
}

func TestFreezeWindowUsesDeclaredZone(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	w := FreezeWindow{Env: models.EnvProd, Start: "22:00", End: "23:59", Location: loc}

	// 01:00 UTC is 22:00 in Sao Paulo (UTC-3)
	frozen := time.Date(2025, 6, 11, 1, 0, 0, 0, time.UTC)
	assert.True(t, w.FrozenAt(frozen))

	open := time.Date(2025, 6, 11, 13, 0, 0, 0, time.UTC)
	assert.False(t, w.FrozenAt(open))
}

func TestDefaultDocument(t *testing.T) {
	doc := Default()
	assert.Equal(t, 1, doc.MinApprovals)
	assert.Equal(t, 70, doc.MinScore)
	require.Len(t, doc.FreezeWindows, 1)
	assert.Equal(t, models.EnvProd, doc.FreezeWindows[0].Env)
	assert.Equal(t, "22:00", doc.FreezeWindows[0].Start)
	assert.Equal(t, "23:59", doc.FreezeWindows[0].End)
}

func TestParseFull(t *testing.T) {
	raw := []byte(`
minApprovals: 2
minScore: 85
timezone: UTC
strictTransitions: true
freezeWindows:
  - env: PROD
    start: "21:00"
    end: "23:00"
  - env: PRE_PROD
    start: "23:00"
    end: "01:00"
    timezone: America/New_York
`)
	doc, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.MinApprovals)
	assert.Equal(t, 85, doc.MinScore)
	assert.True(t, doc.StrictTransitions)
	require.Len(t, doc.FreezeWindows, 2)
	assert.Equal(t, "UTC", doc.FreezeWindows[0].Location.String())
	assert.Equal(t, "America/New_York", doc.FreezeWindows[1].Location.String())
}

func TestParseSkipsBrokenWindows(t *testing.T) {
	raw := []byte(`
freezeWindows:
  - env: STAGING
    start: "21:00"
    end: "23:00"
  - env: PROD
    start: "25:99"
    end: "23:00"
  - env: PROD
    start: "21:00"
    end: "23:00"
    timezone: Not/AZone
  - env: PROD
    start: "10:00"
    end: "11:00"
`)
	doc, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, doc.FreezeWindows, 1)
	assert.Equal(t, models.EnvProd, doc.FreezeWindows[0].Env)
	assert.Equal(t, "10:00", doc.FreezeWindows[0].Start)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	doc := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, Default().MinApprovals, doc.MinApprovals)
	assert.Equal(t, Default().MinScore, doc.MinScore)
}

func TestLoadMalformedFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{not yaml"), 0o644))
	doc := Load(path)
	assert.Equal(t, 1, doc.MinApprovals)
	assert.Equal(t, 70, doc.MinScore)
}

func TestSourceReloadSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("minApprovals: 3\n"), 0o644))

	source := NewSource(path)
	first := source.Current()
	assert.Equal(t, 3, first.MinApprovals)

	require.NoError(t, os.WriteFile(path, []byte("minApprovals: 5\n"), 0o644))
	source.Reload()

	// the in-flight snapshot is unchanged, the handle serves the new one
	assert.Equal(t, 3, first.MinApprovals)
	assert.Equal(t, 5, source.Current().MinApprovals)
}

func TestSourceEmptyPathUsesDefaults(t *testing.T) {
	source := NewSource("")
	assert.Equal(t, 1, source.Current().MinApprovals)
	source.Reload()
	assert.Equal(t, 1, source.Current().MinApprovals)
}
