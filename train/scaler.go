package train

import (
	"math"

	"github.com/gomlx/go-punctuation/model"
)

const (
	initialDynamicScale = 1 << 16
	scaleGrowthInterval = 2000
)

// LossScaler implements loss scaling for reduced precision training: the loss is multiplied by
// Scale before the backward pass and the gradients divided back before they are used.
//
// A dynamic scaler halves the scale whenever gradients overflow (the optimizer step is then
// skipped), and doubles it after a number of steps without overflow.
type LossScaler struct {
	Enabled   bool
	Dynamic   bool
	Scale     float64
	GoodSteps int

	overflow bool
}

// NewLossScaler creates a scaler. If fp16 is false the scaler is a no-op. lossScale > 0 sets a
// static scale, 0 selects dynamic scaling.
func NewLossScaler(fp16 bool, lossScale float64) *LossScaler {
	switch {
	case !fp16:
		return &LossScaler{Scale: 1}
	case lossScale > 0:
		return &LossScaler{Enabled: true, Scale: lossScale}
	default:
		return &LossScaler{Enabled: true, Dynamic: true, Scale: initialDynamicScale}
	}
}

// scaleGrads multiplies the accumulated gradients by the scale, before a backward pass adds
// scaled gradients to them.
func (s *LossScaler) scaleGrads(params []*model.Parameter) {
	if !s.Enabled {
		return
	}
	for _, p := range params {
		for j := range p.Grad {
			p.Grad[j] = float32(float64(p.Grad[j]) * s.Scale)
		}
	}
}

// unscaleGrads divides the gradients by the scale after a backward pass.
func (s *LossScaler) unscaleGrads(params []*model.Parameter) {
	if !s.Enabled {
		return
	}
	inv := 1 / s.Scale
	for _, p := range params {
		for j, g := range p.Grad {
			p.Grad[j] = float32(float64(g) * inv)
		}
	}
}

// checkOverflow records whether any gradient is not finite.
func (s *LossScaler) checkOverflow(params []*model.Parameter) {
	if !s.Enabled || s.overflow {
		return
	}
	for _, p := range params {
		for _, g := range p.Grad {
			if math.IsInf(float64(g), 0) || math.IsNaN(float64(g)) {
				s.overflow = true
				return
			}
		}
	}
}

// Overflowed returns whether gradients overflowed since the last update.
func (s *LossScaler) Overflowed() bool {
	return s.overflow
}

// Update the scale at the end of an accumulation window. It returns false if the optimizer step
// must be skipped because gradients overflowed.
func (s *LossScaler) Update() bool {
	if !s.Enabled {
		return true
	}
	overflow := s.overflow
	s.overflow = false
	if !s.Dynamic {
		return !overflow
	}
	if overflow {
		s.Scale = math.Max(1, s.Scale/2)
		s.GoodSteps = 0
		return false
	}
	s.GoodSteps++
	if s.GoodSteps >= scaleGrowthInterval {
		s.Scale *= 2
		s.GoodSteps = 0
	}
	return true
}
