package pipeline

import (
	"fmt"
	"time"
)

const (
	StageDecompose = "decompose"
	StageOCR       = "ocr"
	StageExtract   = "extract"
	StageVectorize = "vectorize"
	StageConvert3D = "convert3d"
)

// BackoffPolicy is an exponential backoff curve. Delay(1) is the wait before
// the second attempt.
type BackoffPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func (b BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Initial
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// StageDefinition is the static description of one pipeline step. Fatal
// stages invalidate everything downstream on terminal failure; non-fatal ones
// only take their declared dependents with them.
type StageDefinition struct {
	Name        string
	Fatal       bool
	MaxAttempts int
	Timeout     time.Duration
	Backoff     BackoffPolicy
	DependsOn   []string
}

// Sequence is an ordered stage list. Order is fixed at job creation and never
// skipped forward except through skip propagation.
type Sequence []StageDefinition

var defaultBackoff = BackoffPolicy{Initial: 10 * time.Second, Multiplier: 2, Max: 5 * time.Minute}

// DefaultSequence is the standard drawing pipeline. Decomposition and OCR are
// fatal: nothing downstream can run without page images or text. Extraction,
// vectorization and 3D conversion are best-effort; vectorization only needs
// OCR text and falls back to it when extraction failed.
func DefaultSequence() Sequence {
	return Sequence{
		{Name: StageDecompose, Fatal: true, MaxAttempts: 3, Timeout: 2 * time.Minute, Backoff: defaultBackoff},
		{Name: StageOCR, Fatal: true, MaxAttempts: 3, Timeout: 5 * time.Minute, Backoff: defaultBackoff, DependsOn: []string{StageDecompose}},
		{Name: StageExtract, Fatal: false, MaxAttempts: 3, Timeout: 2 * time.Minute, Backoff: defaultBackoff, DependsOn: []string{StageOCR}},
		{Name: StageVectorize, Fatal: false, MaxAttempts: 3, Timeout: 2 * time.Minute, Backoff: defaultBackoff, DependsOn: []string{StageOCR}},
		{Name: StageConvert3D, Fatal: false, MaxAttempts: 2, Timeout: 10 * time.Minute, Backoff: defaultBackoff, DependsOn: []string{StageExtract}},
	}
}

func (s Sequence) Get(name string) (StageDefinition, bool) {
	for _, def := range s {
		if def.Name == name {
			return def, true
		}
	}
	return StageDefinition{}, false
}

func (s Sequence) Names() []string {
	names := make([]string, len(s))
	for i, def := range s {
		names[i] = def.Name
	}
	return names
}

// Subset returns the sequence restricted to the given stage names, keeping
// the declared order. Unknown names are rejected so a job cannot be created
// with a stage nobody can run.
func (s Sequence) Subset(names []string) (Sequence, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := s.Get(n); !ok {
			return nil, fmt.Errorf("unknown stage: %s", n)
		}
		want[n] = true
	}
	var sub Sequence
	for _, def := range s {
		if want[def.Name] {
			sub = append(sub, def)
		}
	}
	for _, def := range sub {
		for _, dep := range def.DependsOn {
			if !want[dep] {
				return nil, fmt.Errorf("stage %s requires %s", def.Name, dep)
			}
		}
	}
	return sub, nil
}

// Dependents returns every stage that transitively depends on name. Skip
// propagation is a traversal of this relation, not hardcoded branching.
func (s Sequence) Dependents(name string) []string {
	failed := map[string]bool{name: true}
	var out []string
	// sequence is topologically ordered, one pass suffices
	for _, def := range s {
		for _, dep := range def.DependsOn {
			if failed[dep] {
				failed[def.Name] = true
				out = append(out, def.Name)
				break
			}
		}
	}
	return out
}
