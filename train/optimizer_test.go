package train

import (
	"math"
	"testing"

	"github.com/gomlx/go-punctuation/checkpoint"
	"github.com/gomlx/go-punctuation/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasWeightDecay(t *testing.T) {
	assert.True(t, HasWeightDecay("encoder.layer.0.attention.self.query.weight"))
	assert.True(t, HasWeightDecay("classifier.token.weight"))
	assert.False(t, HasWeightDecay("classifier.bias"))
	assert.False(t, HasWeightDecay("encoder.layer.0.output.LayerNorm.weight"))
}

func TestAdamW(t *testing.T) {
	w := model.NewParameter("classifier.weight", 1)
	b := model.NewParameter("classifier.bias", 1)
	w.Value[0], b.Value[0] = 1, 1
	w.Grad[0], b.Grad[0] = 0.5, 0.5

	o := NewAdamW([]*model.Parameter{w, b}, 0.1, 1e-8, 0.01)
	o.Step()
	// The first bias-corrected step moves each value by lr in the direction opposite to the gradient.
	assert.InDelta(t, 0.9, b.Value[0], 1e-6, "no weight decay on biases")
	assert.InDelta(t, 0.9-0.1*0.01*0.9, w.Value[0], 1e-6)
	assert.Equal(t, 1, o.StepCount())

	o.ZeroGrad()
	assert.Equal(t, []float32{0}, w.Grad)
	assert.Equal(t, []float32{0}, b.Grad)

	state := o.State()
	assert.Equal(t, 1, state.Step)
	assert.InDelta(t, 0.05, state.ExpAvg["classifier.weight"][0], 1e-7)
	assert.InDelta(t, 0.00025, state.ExpAvgSq["classifier.bias"][0], 1e-9)

	// Restoring into a new optimizer reproduces the next step exactly.
	w2 := &model.Parameter{Name: w.Name, Shape: w.Shape, Value: []float32{w.Value[0]}, Grad: []float32{0.25}}
	b2 := &model.Parameter{Name: b.Name, Shape: b.Shape, Value: []float32{b.Value[0]}, Grad: []float32{0.25}}
	restored := NewAdamW([]*model.Parameter{w2, b2}, 0.1, 1e-8, 0.01)
	require.NoError(t, restored.Restore(state))
	w.Grad[0], b.Grad[0] = 0.25, 0.25
	o.Step()
	restored.Step()
	assert.Equal(t, w.Value, w2.Value)
	assert.Equal(t, b.Value, b2.Value)

	err := restored.Restore(checkpoint.OptimizerState{Step: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible checkpoint")
}

func TestClipGradNorm(t *testing.T) {
	p := model.NewParameter("w", 2)
	p.Grad[0], p.Grad[1] = 3, 4
	norm := ClipGradNorm([]*model.Parameter{p}, 1)
	assert.InDelta(t, 5.0, norm, 1e-9)
	assert.InDelta(t, 0.6, p.Grad[0], 1e-5)
	assert.InDelta(t, 0.8, p.Grad[1], 1e-5)

	p.Grad[0], p.Grad[1] = 3, 4
	ClipGradNorm([]*model.Parameter{p}, 10)
	assert.Equal(t, []float32{3, 4}, p.Grad, "below the maximum gradients are unchanged")
	ClipGradNorm([]*model.Parameter{p}, 0)
	assert.Equal(t, []float32{3, 4}, p.Grad, "clipping disabled")
}

func TestLinearWarmup(t *testing.T) {
	s := NewLinearWarmup(0.1, 2, 10)
	for _, tc := range []struct {
		step int
		want float64
	}{{0, 0}, {1, 0.5}, {2, 1}, {6, 0.5}, {10, 0}, {12, 0}} {
		assert.InDelta(t, tc.want, s.Multiplier(tc.step), 1e-12, "step %d", tc.step)
	}
	assert.Equal(t, 0.0, s.LR())
	s.Step()
	assert.InDelta(t, 0.05, s.LR(), 1e-12)

	restored := NewLinearWarmup(0.1, 2, 10)
	require.NoError(t, restored.Restore(s.State()))
	assert.Equal(t, s.LR(), restored.LR())

	noWarmup := NewLinearWarmup(1, 0, 4)
	assert.Equal(t, 1.0, noWarmup.LR())
}

func TestLossScaler(t *testing.T) {
	disabled := NewLossScaler(false, 128)
	assert.Equal(t, 1.0, disabled.Scale)
	p := model.NewParameter("w", 1)
	p.Grad[0] = 2
	disabled.scaleGrads([]*model.Parameter{p})
	assert.Equal(t, float32(2), p.Grad[0])
	assert.True(t, disabled.Update())

	static := NewLossScaler(true, 128)
	static.scaleGrads([]*model.Parameter{p})
	assert.Equal(t, float32(256), p.Grad[0])
	static.unscaleGrads([]*model.Parameter{p})
	assert.Equal(t, float32(2), p.Grad[0])
	static.checkOverflow([]*model.Parameter{p})
	assert.True(t, static.Update())

	dynamic := NewLossScaler(true, 0)
	assert.True(t, dynamic.Dynamic)
	assert.Equal(t, float64(initialDynamicScale), dynamic.Scale)
	overflowing := model.NewParameter("w", 1)
	overflowing.Grad[0] = float32(math.Inf(1))
	dynamic.checkOverflow([]*model.Parameter{overflowing})
	assert.True(t, dynamic.Overflowed())
	assert.False(t, dynamic.Update(), "step skipped")
	assert.Equal(t, float64(initialDynamicScale/2), dynamic.Scale)
	assert.False(t, dynamic.Overflowed())

	dynamic.GoodSteps = scaleGrowthInterval - 1
	assert.True(t, dynamic.Update())
	assert.Equal(t, float64(initialDynamicScale), dynamic.Scale)
	assert.Equal(t, 0, dynamic.GoodSteps)
}
