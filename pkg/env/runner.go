package env

import (
	"context"
	"math/rand/v2"
)

// Policy maps an observation to the next action.
type Policy func(obs []float32) []float64

// ZeroPolicy holds every joint still.
func ZeroPolicy(dof int) Policy {
	return func([]float32) []float64 {
		return make([]float64, dof)
	}
}

// RandomPolicy samples each joint uniformly from [-1, 1].
func RandomPolicy(dof int, rng *rand.Rand) Policy {
	return func([]float32) []float64 {
		action := make([]float64, dof)
		for i := range action {
			action[i] = rng.Float64()*2 - 1
		}
		return action
	}
}

type EpisodeSummary struct {
	ID     string
	Steps  int
	Return float64
	Done   bool // false when maxSteps ran out first
}

// RunEpisode resets the environment and steps it with policy until the frame
// reports done or maxSteps is reached. maxSteps <= 0 means no limit.
func RunEpisode(ctx context.Context, e *Env, policy Policy, maxSteps int) (EpisodeSummary, error) {
	obs, err := e.Reset(ctx)
	if err != nil {
		return EpisodeSummary{}, err
	}
	id, _ := e.Episode()
	summary := EpisodeSummary{ID: id}

	for maxSteps <= 0 || summary.Steps < maxSteps {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res, err := e.Step(ctx, policy(obs))
		if err != nil {
			return summary, err
		}
		summary.Steps++
		summary.Return += res.Reward
		obs = res.Observation
		if res.Done {
			summary.Done = true
			break
		}
	}
	return summary, nil
}
