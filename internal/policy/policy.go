package policy

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/promogate/release-gate/internal/models"
)

const defaultTimezone = "America/Sao_Paulo"

// FreezeWindow is a recurring daily blackout interval for one environment.
// Start/End are "HH:MM" local clock values in the window's zone.
type FreezeWindow struct {
	Env      models.Environment
	Start    string
	End      string
	Location *time.Location
}

// FrozenAt reports whether now falls inside the window, evaluated in the
// window's own time zone. Both endpoints are inclusive. A window whose start
// is later than its end wraps past midnight.
func (w FreezeWindow) FrozenAt(now time.Time) bool {
	current := now.In(w.Location).Format("15:04")
	if w.Start <= w.End {
		return w.Start <= current && current <= w.End
	}
	return current >= w.Start || current <= w.End
}

// Document is one immutable policy snapshot. Replaced wholesale on reload,
// never mutated field by field.
type Document struct {
	MinApprovals      int
	MinScore          int
	Timezone          string
	StrictTransitions bool
	FreezeWindows     []FreezeWindow
}

// FrozenForEnv checks the first window declared for env; no window means not frozen.
func (d *Document) FrozenForEnv(env models.Environment, now time.Time) bool {
	for _, w := range d.FreezeWindows {
		if w.Env == env {
			return w.FrozenAt(now)
		}
	}
	return false
}

type yamlWindow struct {
	Env      string `yaml:"env"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

type yamlDocument struct {
	MinApprovals      *int         `yaml:"minApprovals"`
	MinScore          *int         `yaml:"minScore"`
	Timezone          string       `yaml:"timezone"`
	StrictTransitions bool         `yaml:"strictTransitions"`
	FreezeWindows     []yamlWindow `yaml:"freezeWindows"`
}

// Default returns the built-in policy used when no document can be loaded:
// one approval, score 70, and a nightly PROD freeze from 22:00 to 23:59.
func Default() *Document {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	return &Document{
		MinApprovals: 1,
		MinScore:     70,
		Timezone:     defaultTimezone,
		FreezeWindows: []FreezeWindow{
			{Env: models.EnvProd, Start: "22:00", End: "23:59", Location: loc},
		},
	}
}

// Load reads the policy document at path. Absence or a malformed document
// silently degrades to Default (logged, never fatal).
func Load(path string) *Document {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[policy] read %s: %v, using defaults", path, err)
		}
		return Default()
	}
	doc, err := Parse(raw)
	if err != nil {
		log.Printf("[policy] parse %s: %v, using defaults", path, err)
		return Default()
	}
	return doc
}

// Parse decodes a YAML policy document. Individual freeze windows that fail
// validation are skipped; a document-level decode failure is returned so the
// caller can fall back wholesale.
func Parse(raw []byte) (*Document, error) {
	var yd yamlDocument
	if err := yaml.Unmarshal(raw, &yd); err != nil {
		return nil, fmt.Errorf("decode policy yaml: %w", err)
	}

	doc := &Document{
		MinApprovals:      1,
		MinScore:          70,
		Timezone:          defaultTimezone,
		StrictTransitions: yd.StrictTransitions,
	}
	if yd.MinApprovals != nil && *yd.MinApprovals >= 0 {
		doc.MinApprovals = *yd.MinApprovals
	}
	if yd.MinScore != nil && *yd.MinScore >= 0 && *yd.MinScore <= 100 {
		doc.MinScore = *yd.MinScore
	}
	if yd.Timezone != "" {
		doc.Timezone = yd.Timezone
	}

	for _, w := range yd.FreezeWindows {
		env, err := models.ParseEnvironment(w.Env)
		if err != nil {
			log.Printf("[policy] skipping freeze window: %v", err)
			continue
		}
		if !validClock(w.Start) || !validClock(w.End) {
			log.Printf("[policy] skipping freeze window for %s: bad clock range %q-%q", env, w.Start, w.End)
			continue
		}
		tz := w.Timezone
		if tz == "" {
			tz = doc.Timezone
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			log.Printf("[policy] skipping freeze window for %s: %v", env, err)
			continue
		}
		doc.FreezeWindows = append(doc.FreezeWindows, FreezeWindow{
			Env:      env,
			Start:    w.Start,
			End:      w.End,
			Location: loc,
		})
	}
	return doc, nil
}

func validClock(v string) bool {
	_, err := time.Parse("15:04", v)
	return err == nil
}

// Source owns the active policy snapshot. Reload swaps the snapshot atomically;
// evaluators in flight keep the snapshot they already took.
type Source struct {
	path string
	doc  atomic.Pointer[Document]
}

// NewSource loads the document at path (or defaults) and returns the handle.
// An empty path always yields the built-in defaults.
func NewSource(path string) *Source {
	s := &Source{path: path}
	if path == "" {
		s.doc.Store(Default())
	} else {
		s.doc.Store(Load(path))
	}
	return s
}

// Current returns the active snapshot.
func (s *Source) Current() *Document {
	return s.doc.Load()
}

// Reload re-reads the backing file and replaces the snapshot wholesale.
func (s *Source) Reload() *Document {
	doc := Default()
	if s.path != "" {
		doc = Load(s.path)
	}
	s.doc.Store(doc)
	log.Printf("[policy] reloaded: minApprovals=%d minScore=%d windows=%d", doc.MinApprovals, doc.MinScore, len(doc.FreezeWindows))
	return doc
}
