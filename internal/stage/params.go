package stage

import "github.com/fyrsmithlabs/humanizer/internal/aggression"

// Default stage parameters.
const (
	DefaultProtectionTier      = "auto"
	DefaultDetectionConfidence = 0.75
	DefaultTargetBurstiness    = 0.7
	DefaultBERTScoreModel      = "roberta-large"
)

// ParamInput carries everything stage parameters are derived from.
type ParamInput struct {
	Level        aggression.Level
	GlossaryPath string
	Terms        []string
	OriginalText string
}

// Params builds the parameters sent to stage n.
func Params(n Name, in ParamInput) map[string]any {
	switch n {
	case TermProtect:
		p := map[string]any{"protection_tier": DefaultProtectionTier}
		if in.GlossaryPath != "" {
			p["glossary_path"] = in.GlossaryPath
		}
		if len(in.Terms) > 0 {
			p["terms"] = in.Terms
		}
		return p
	case Paraphrase:
		return map[string]any{
			"aggression":         int(in.Level),
			"aggression_name":    in.Level.String(),
			"preserve_structure": true,
		}
	case FingerprintRemove:
		return map[string]any{"detection_confidence": DefaultDetectionConfidence}
	case BurstinessAdjust:
		return map[string]any{"target_burstiness": DefaultTargetBurstiness}
	case Validate:
		return map[string]any{
			"original_text":   in.OriginalText,
			"bertscore_model": DefaultBERTScoreModel,
		}
	}
	return map[string]any{}
}
