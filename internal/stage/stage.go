// Package stage defines the contract between the control loop and the
// pluggable text-transformation and scoring steps it drives.
package stage

import (
	"context"
	"errors"
	"fmt"
)

// Name identifies a pipeline stage.
type Name string

const (
	TermProtect       Name = "term_protect"
	Paraphrase        Name = "paraphrase"
	PostProcess       Name = "post_process"
	FingerprintRemove Name = "fingerprint_remove"
	BurstinessAdjust  Name = "burstiness_adjust"
	ReferenceStyle    Name = "reference_style"
	DetectionScore    Name = "detection_score"
	Perplexity        Name = "perplexity"
	Validate          Name = "validate"
)

// All lists every stage in pipeline order, including optional ones.
var All = []Name{
	TermProtect, Paraphrase, PostProcess, FingerprintRemove, BurstinessAdjust,
	ReferenceStyle, DetectionScore, Perplexity, Validate,
}

// Pipeline returns the stages of one iteration in execution order.
func Pipeline(referenceStyle bool) []Name {
	out := make([]Name, 0, len(All))
	for _, n := range All {
		if n == ReferenceStyle && !referenceStyle {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Critical reports whether a failure of n must abort the iteration.
func (n Name) Critical() bool {
	return n == Paraphrase || n == Validate
}

// Transforms reports whether n produces a new text rather than only scores.
func (n Name) Transforms() bool {
	switch n {
	case DetectionScore, Perplexity, Validate:
		return false
	}
	return true
}

func (n Name) String() string { return string(n) }

// ParseName returns the Name for s.
func ParseName(s string) (Name, error) {
	for _, n := range All {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

var (
	// ErrMalformedOutput marks a response that could not be parsed. Retrying
	// cannot fix it.
	ErrMalformedOutput = errors.New("malformed stage output")
	// ErrPermanent marks a failure that no retry can fix, such as a
	// rejected request.
	ErrPermanent = errors.New("permanent stage failure")
)

// Request is the input to one stage call.
type Request struct {
	Stage     Name           `json:"stage"`
	Text      string         `json:"text"`
	Iteration int            `json:"iteration"`
	Params    map[string]any `json:"params,omitempty"`
}

// Response is the result of one stage call. A non-empty Error is a
// structured failure and is retried like any other failure.
type Response struct {
	Output     map[string]any `json:"output"`
	TokenUsage map[string]int `json:"token_usage,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Stage is one pipeline step.
type Stage interface {
	Name() Name
	Run(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Stage.
type Func struct {
	StageName Name
	Fn        func(ctx context.Context, req Request) (*Response, error)
}

func (f Func) Name() Name { return f.StageName }

func (f Func) Run(ctx context.Context, req Request) (*Response, error) {
	return f.Fn(ctx, req)
}

// Passthrough returns a stage that echoes its input text. It stands in for
// optional stages that have no backend configured.
func Passthrough(n Name) Stage {
	return Func{StageName: n, Fn: func(_ context.Context, req Request) (*Response, error) {
		return &Response{Output: map[string]any{"processed_text": req.Text, "passthrough": true}}, nil
	}}
}

// Set maps stage names to implementations.
type Set map[Name]Stage

// NewSet indexes stages by name. Later stages replace earlier ones with the
// same name.
func NewSet(stages ...Stage) Set {
	s := make(Set, len(stages))
	for _, st := range stages {
		s[st.Name()] = st
	}
	return s
}

// Lookup returns the stage for n.
func (s Set) Lookup(n Name) (Stage, error) {
	st, ok := s[n]
	if !ok || st == nil {
		return nil, fmt.Errorf("no implementation for stage %q", n)
	}
	return st, nil
}

// Missing returns the stages of pipeline with no implementation.
func (s Set) Missing(pipeline []Name) []Name {
	var out []Name
	for _, n := range pipeline {
		if _, ok := s[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
