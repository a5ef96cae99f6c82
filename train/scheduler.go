package train

import (
	"math"

	"github.com/gomlx/go-punctuation/checkpoint"
	"github.com/pkg/errors"
)

// LinearWarmup schedules the learning rate: it grows linearly from 0 to BaseLR during the first
// WarmupSteps, then decays linearly to 0 at TotalSteps.
type LinearWarmup struct {
	BaseLR      float64
	WarmupSteps int
	TotalSteps  int

	step int
}

// NewLinearWarmup creates the schedule.
func NewLinearWarmup(baseLR float64, warmupSteps, totalSteps int) *LinearWarmup {
	return &LinearWarmup{BaseLR: baseLR, WarmupSteps: warmupSteps, TotalSteps: totalSteps}
}

// Multiplier returns the fraction of BaseLR used at the given step.
func (s *LinearWarmup) Multiplier(step int) float64 {
	if step < s.WarmupSteps {
		return float64(step) / float64(max(1, s.WarmupSteps))
	}
	return math.Max(0, float64(s.TotalSteps-step)/float64(max(1, s.TotalSteps-s.WarmupSteps)))
}

// LR returns the learning rate of the current step.
func (s *LinearWarmup) LR() float64 {
	return s.BaseLR * s.Multiplier(s.step)
}

// Step advances the schedule by one optimizer step.
func (s *LinearWarmup) Step() {
	s.step++
}

// State returns a snapshot of the schedule, to be checkpointed.
func (s *LinearWarmup) State() checkpoint.SchedulerState {
	return checkpoint.SchedulerState{Step: s.step, WarmupSteps: s.WarmupSteps, TotalSteps: s.TotalSteps, BaseLR: s.BaseLR}
}

// Restore the position in the schedule. The shape of the schedule (base learning rate, warmup and
// total steps) is the one configured for the current run.
func (s *LinearWarmup) Restore(state checkpoint.SchedulerState) error {
	if state.Step < 0 {
		return errors.Errorf("invalid scheduler step %d in checkpoint", state.Step)
	}
	s.step = state.Step
	return nil
}
