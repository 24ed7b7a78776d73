package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/config"
	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/stage"
	"github.com/fyrsmithlabs/humanizer/internal/stage/llm"
	"github.com/fyrsmithlabs/humanizer/internal/stage/remote"
)

// requiredStages must have a real backend; the loop cannot score or
// rewrite without them.
var requiredStages = []stage.Name{stage.Paraphrase, stage.DetectionScore, stage.Validate}

// buildStages wires configured endpoints and the built-in LLM paraphraser.
// Optional stages without a backend pass their input through.
func buildStages(ctx context.Context, cfg *config.Config, logger *logging.Logger) (stage.Set, error) {
	remotes, err := remote.NewSet(cfg.Stages.Endpoints, cfg.Stages.RequestsPerSecond, cfg.Stages.Burst, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("configure stage endpoints: %w", err)
	}
	set := stage.NewSet(remotes...)

	if cfg.Stages.LLM.Enabled {
		p, err := llm.NewFromConfig(cfg.Stages.LLM, logger)
		if err != nil {
			return nil, err
		}
		if _, ok := set[stage.Paraphrase]; ok {
			logger.Warn(ctx, "llm paraphraser replaces configured paraphrase endpoint")
		}
		set[stage.Paraphrase] = p
	}

	var missing []string
	for _, n := range stage.Pipeline(cfg.Loop.ReferenceStyle) {
		if _, ok := set[n]; ok {
			continue
		}
		if slices.Contains(requiredStages, n) {
			missing = append(missing, n.String())
			continue
		}
		logger.Warn(ctx, "no backend for stage, passing text through", zap.Stringer("stage", n))
		set[n] = stage.Passthrough(n)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no backend configured for required stages: %s", strings.Join(missing, ", "))
	}
	return set, nil
}
