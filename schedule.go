package main

import "fmt"

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Every schedule the training loop consults, as pure functions of the step.
// The speedrun recipe threads four schedules through a run:
//
//   - learning rate: constant, then a linear cooldown to zero over the
//     final cooldownSteps (no warmup; Muon tolerates full LR from step 0);
//   - masking probability: linear 0.40 → 0.15 over the whole run;
//   - attention window: linear growth from 2 to 16 blocks of 128 tokens,
//     rounded. Short-range attention early is cheaper and trains fine,
//     full range arrives by the end;
//   - Muon momentum: 0.85 → 0.95 over the first 300 steps.
//
// Keeping them on one struct makes the step loop read like the recipe.
//
// ===========================================================================

// Attention window granularity, in tokens.
const windowBlockTokens = 128

// Window block bounds: 2 blocks (256 tokens) up to 16 blocks (2048 tokens).
const (
	minWindowBlocks = 2
	maxWindowBlocks = 16
)

// Schedule computes per-step hyperparameters for a training run.
type Schedule struct {
	NumSteps      int
	CooldownSteps int
	StartMLMProb  float64
	EndMLMProb    float64
}

// NewSchedule validates and constructs a schedule.
func NewSchedule(numSteps, cooldownSteps int, startMLMProb, endMLMProb float64) (*Schedule, error) {
	if numSteps <= 0 {
		return nil, fmt.Errorf("schedule: numSteps must be positive, got %d", numSteps)
	}
	if cooldownSteps < 0 || cooldownSteps > numSteps {
		return nil, fmt.Errorf("schedule: cooldownSteps %d out of range [0,%d]", cooldownSteps, numSteps)
	}
	if startMLMProb <= 0 || startMLMProb > 1 || endMLMProb <= 0 || endMLMProb > 1 {
		return nil, fmt.Errorf("schedule: masking probabilities must be in (0,1]")
	}
	return &Schedule{
		NumSteps:      numSteps,
		CooldownSteps: cooldownSteps,
		StartMLMProb:  startMLMProb,
		EndMLMProb:    endMLMProb,
	}, nil
}

// LRScale returns the learning-rate multiplier at step: 1.0 during the
// constant phase, decaying linearly to 0 across the cooldown.
func (s *Schedule) LRScale(step int) float64 {
	if step < s.NumSteps-s.CooldownSteps {
		return 1.0
	}
	return float64(s.NumSteps-step) / float64(s.CooldownSteps)
}

// MLMProb returns the masking probability at step, interpolated linearly
// from StartMLMProb to EndMLMProb over the run.
func (s *Schedule) MLMProb(step int) float64 {
	x := s.progress(step)
	return (1-x)*s.StartMLMProb + x*s.EndMLMProb
}

// WindowBlocks returns the attention window size in 128-token blocks at
// step, growing linearly from minWindowBlocks to maxWindowBlocks.
func (s *Schedule) WindowBlocks(step int) int {
	x := s.progress(step)
	blocks := float64(minWindowBlocks) + float64(maxWindowBlocks-minWindowBlocks)*x
	b := int(blocks + 0.5)
	if b < minWindowBlocks {
		b = minWindowBlocks
	}
	if b > maxWindowBlocks {
		b = maxWindowBlocks
	}
	return b
}

// MuonMomentum returns the Muon momentum at step, warming from 0.85 to 0.95
// over the first 300 steps.
func (s *Schedule) MuonMomentum(step int) float64 {
	frac := float64(step) / 300.0
	if frac > 1 {
		frac = 1
	}
	return (1-frac)*0.85 + frac*0.95
}

func (s *Schedule) progress(step int) float64 {
	x := float64(step) / float64(s.NumSteps)
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
