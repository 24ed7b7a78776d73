package stage

import (
	"encoding/json"
	"math"
	"strconv"
)

// Keys of the text produced by a transforming stage, in lookup order.
var textKeys = []string{"processed_text", "text", "result"}

// Score keys read from stage outputs.
const (
	KeyDetectionScore     = "detection_score"
	KeyOriginalityScore   = "originality_score"
	KeyGPTZeroScore       = "gptzero_score"
	KeyPerplexity         = "perplexity"
	KeySemanticSimilarity = "semantic_similarity"
	KeyBLEUScore          = "bleu_score"
	KeyQualityScore       = "quality_score"
)

var scoreKeys = map[Name][]string{
	DetectionScore: {KeyDetectionScore, KeyOriginalityScore, KeyGPTZeroScore},
	Perplexity:     {KeyPerplexity},
	Validate:       {KeySemanticSimilarity, KeyBLEUScore, KeyQualityScore},
}

// Text returns the transformed text carried by r, or fallback when r
// carries none.
func (r *Response) Text(fallback string) string {
	if r == nil {
		return fallback
	}
	for _, k := range textKeys {
		if s, ok := r.Output[k].(string); ok {
			return s
		}
	}
	return fallback
}

// Scores returns the numeric metrics n is expected to report. Values that
// are absent or not numeric are omitted.
func (r *Response) Scores(n Name) map[string]float64 {
	out := map[string]float64{}
	if r == nil {
		return out
	}
	for _, k := range scoreKeys[n] {
		if v, ok := Number(r.Output[k]); ok {
			out[k] = v
		}
	}
	return out
}

// Number converts a decoded JSON value to a finite float64. NaN and
// infinities are rejected since they cannot be checkpointed as JSON.
func Number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(n, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
