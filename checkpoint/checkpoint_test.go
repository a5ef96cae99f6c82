package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-punctuation/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() []*model.Parameter {
	w := model.NewParameter("classifier.weight", 3, 2)
	b := model.NewParameter("classifier.bias", 2)
	for i := range w.Value {
		w.Value[i] = float32(i) * 0.25
		w.Grad[i] = -float32(i)
	}
	b.Value[1] = 7
	b.Grad[0] = 0.5
	return []*model.Parameter{w, b}
}

func testCheckpoint() *Checkpoint {
	params := testParams()
	return &Checkpoint{
		Epoch:       2,
		RunningLoss: 0.1 + 0.2, // Not exactly representable in decimal.
		GlobalStep:  17,
		RunID:       "0b7f7a2e-8a6c-4c1e-9a52-3f1d2b9c7e10",
		Params:      params,
		Optimizer: OptimizerState{
			Step: 17,
			ExpAvg: map[string][]float32{
				"classifier.weight": {1, 2, 3, 4, 5, 6},
				"classifier.bias":   {0.1, 0.2},
			},
			ExpAvgSq: map[string][]float32{
				"classifier.weight": {6, 5, 4, 3, 2, 1},
				"classifier.bias":   {0.01, 0.02},
			},
			LossScale: 32768,
			GoodSteps: 5,
		},
		Scheduler: SchedulerState{Step: 17, WarmupSteps: 3, TotalSteps: 30, BaseLR: 5e-5},
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(dir))
	saved := testCheckpoint()
	require.NoError(t, Save(Path(dir), saved))
	assert.True(t, Exists(dir))
	_, err := os.Stat(Path(dir) + ".tmp")
	assert.True(t, os.IsNotExist(err), "no temporary file left behind")

	params := []*model.Parameter{
		model.NewParameter("classifier.weight", 3, 2),
		model.NewParameter("classifier.bias", 2),
	}
	loaded, err := Load(Path(dir), params)
	require.NoError(t, err)
	assert.Equal(t, saved.Epoch, loaded.Epoch)
	assert.Equal(t, saved.RunningLoss, loaded.RunningLoss, "loss must round-trip exactly")
	assert.Equal(t, saved.GlobalStep, loaded.GlobalStep)
	assert.Equal(t, saved.RunID, loaded.RunID)
	assert.Equal(t, saved.Optimizer, loaded.Optimizer)
	assert.Equal(t, saved.Scheduler, loaded.Scheduler)
	for i, p := range params {
		assert.Equal(t, saved.Params[i].Value, p.Value, "values of %s", p.Name)
		assert.Equal(t, saved.Params[i].Grad, p.Grad, "gradients of %s", p.Name)
	}

	// Overwriting keeps a loadable file.
	saved.Epoch = 3
	require.NoError(t, Save(Path(dir), saved))
	loaded, err = Load(Path(dir), params)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Epoch)
}

func TestLoadIncompatible(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(Path(dir), testCheckpoint()))

	_, err := Load(Path(dir), []*model.Parameter{model.NewParameter("classifier.weight", 4, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible")

	_, err = Load(Path(dir), []*model.Parameter{model.NewParameter("encoder.weight", 3, 2)})
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.ckt"), nil)
	require.Error(t, err)

	corrupted := filepath.Join(dir, "corrupted.ckt")
	require.NoError(t, os.WriteFile(corrupted, []byte("definitely not a checkpoint"), 0644))
	_, err = Load(corrupted, nil)
	require.Error(t, err)
}
