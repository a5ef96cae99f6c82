package train

import (
	"math"
	"strings"

	"github.com/gomlx/go-punctuation/checkpoint"
	"github.com/gomlx/go-punctuation/model"
	"github.com/pkg/errors"
)

// NoDecayNames are the substrings of parameter names excluded from weight decay.
var NoDecayNames = []string{"bias", "LayerNorm.weight"}

// HasWeightDecay returns whether the parameter with the given name is subject to weight decay.
func HasWeightDecay(name string) bool {
	for _, nd := range NoDecayNames {
		if strings.Contains(name, nd) {
			return false
		}
	}
	return true
}

// AdamW implements Adam with decoupled weight decay and bias correction.
type AdamW struct {
	// LR is the current learning rate, usually set by the scheduler before each step.
	LR float64

	Beta1, Beta2 float64
	Epsilon      float64
	WeightDecay  float64

	params   []*model.Parameter
	decay    []bool
	expAvg   [][]float32
	expAvgSq [][]float32
	step     int
}

// NewAdamW creates an optimizer for params. Parameters matching NoDecayNames get no weight decay.
func NewAdamW(params []*model.Parameter, lr, epsilon, weightDecay float64) *AdamW {
	o := &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     epsilon,
		WeightDecay: weightDecay,
		params:      params,
		decay:       make([]bool, len(params)),
		expAvg:      make([][]float32, len(params)),
		expAvgSq:    make([][]float32, len(params)),
	}
	for i, p := range params {
		o.decay[i] = HasWeightDecay(p.Name)
		o.expAvg[i] = make([]float32, len(p.Value))
		o.expAvgSq[i] = make([]float32, len(p.Value))
	}
	return o
}

// Step updates the parameters with their accumulated gradients.
func (o *AdamW) Step() {
	o.step++
	t := float64(o.step)
	stepSize := o.LR * math.Sqrt(1-math.Pow(o.Beta2, t)) / (1 - math.Pow(o.Beta1, t))
	for i, p := range o.params {
		m, v := o.expAvg[i], o.expAvgSq[i]
		for j, g32 := range p.Grad {
			g := float64(g32)
			mj := o.Beta1*float64(m[j]) + (1-o.Beta1)*g
			vj := o.Beta2*float64(v[j]) + (1-o.Beta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)
			value := float64(p.Value[j]) - stepSize*mj/(math.Sqrt(vj)+o.Epsilon)
			if o.decay[i] && o.WeightDecay > 0 {
				value -= o.LR * o.WeightDecay * value
			}
			p.Value[j] = float32(value)
		}
	}
}

// ZeroGrad clears the gradients of all parameters.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// StepCount returns the number of updates applied.
func (o *AdamW) StepCount() int {
	return o.step
}

// State returns a snapshot of the optimizer state, to be checkpointed.
func (o *AdamW) State() checkpoint.OptimizerState {
	state := checkpoint.OptimizerState{
		Step:     o.step,
		ExpAvg:   make(map[string][]float32, len(o.params)),
		ExpAvgSq: make(map[string][]float32, len(o.params)),
	}
	for i, p := range o.params {
		state.ExpAvg[p.Name] = o.expAvg[i]
		state.ExpAvgSq[p.Name] = o.expAvgSq[i]
	}
	return state
}

// Restore the optimizer from a checkpointed state. Every parameter must have its moments.
func (o *AdamW) Restore(state checkpoint.OptimizerState) error {
	for i, p := range o.params {
		m, foundM := state.ExpAvg[p.Name]
		v, foundV := state.ExpAvgSq[p.Name]
		if !foundM || !foundV {
			return errors.Errorf("incompatible checkpoint: no optimizer state for parameter %q", p.Name)
		}
		if len(m) != len(p.Value) || len(v) != len(p.Value) {
			return errors.Errorf("incompatible checkpoint: optimizer state of %q has %d values, the parameter has %d",
				p.Name, len(m), len(p.Value))
		}
	}
	for i, p := range o.params {
		copy(o.expAvg[i], state.ExpAvg[p.Name])
		copy(o.expAvgSq[i], state.ExpAvgSq[p.Name])
	}
	o.step = state.Step
	return nil
}

// ClipGradNorm scales the gradients so that their global L2 norm is at most maxNorm, and returns
// the norm before clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*model.Parameter, maxNorm float64) float64 {
	var sumSquares float64
	for _, p := range params {
		for _, g := range p.Grad {
			sumSquares += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sumSquares)
	if maxNorm <= 0 {
		return norm
	}
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		for _, p := range params {
			for j := range p.Grad {
				p.Grad[j] = float32(float64(p.Grad[j]) * coef)
			}
		}
	}
	return norm
}
