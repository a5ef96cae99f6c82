package train

import (
	"testing"

	"github.com/gomlx/go-punctuation/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 190, config.MaxSeqLength)
	assert.Equal(t, 32, config.TrainBatchSize)
	assert.Equal(t, 8, config.EvalBatchSize)
	assert.Equal(t, 5e-5, config.LearningRate)
	assert.Equal(t, 3, config.NumTrainEpochs)
	assert.Equal(t, 0.15, config.NoiseProb)
	assert.Equal(t, dataset.SplitTest, config.EvalOn)
	assert.Equal(t, -1, config.LocalRank)
	assert.Equal(t, 1, config.CheckpointEvery)

	require.ErrorIs(t, config.Validate(), ErrNothingToDo)
	config.DoEval = true
	require.ErrorIs(t, config.Validate(), ErrInvalidConfig, "output_dir is required")
	config.OutputDir = "/tmp/output"
	config.ModelNameOrPath = "/tmp/model"
	require.NoError(t, config.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		config := DefaultConfig()
		config.DoTrain = true
		config.OutputDir = "/tmp/output"
		config.ModelNameOrPath = "/tmp/model"
		return config
	}
	for _, tc := range []struct {
		name   string
		modify func(c *Config)
		want   error
	}{
		{"accumulation steps", func(c *Config) { c.GradientAccumulationSteps = 0 }, ErrInvalidAccumulationSteps},
		{"unknown task", func(c *Config) { c.TaskName = "ner" }, dataset.ErrUnknownTask},
		{"eval on train", func(c *Config) { c.EvalOn = dataset.SplitTrain }, dataset.ErrUnknownEvalSplit},
		{"model type", func(c *Config) { c.ModelType = "gpt2" }, ErrInvalidConfig},
		{"model arch", func(c *Config) { c.ModelArch = "transformer" }, ErrInvalidConfig},
		{"max seq length", func(c *Config) { c.MaxSeqLength = 1 }, ErrInvalidConfig},
		{"batch smaller than accumulation", func(c *Config) { c.TrainBatchSize, c.GradientAccumulationSteps = 2, 4 }, ErrInvalidConfig},
		{"noise", func(c *Config) { c.NoiseProb = 1.5 }, ErrInvalidConfig},
		{"warmup", func(c *Config) { c.WarmupProportion = -0.1 }, ErrInvalidConfig},
		{"checkpoint every", func(c *Config) { c.CheckpointEvery = -1 }, ErrInvalidConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			config := valid()
			tc.modify(config)
			require.ErrorIs(t, config.Validate(), tc.want)
		})
	}

	// The task name is case-insensitive.
	config := valid()
	config.TaskName = "Punctuation_Prediction"
	require.NoError(t, config.Validate())
}

func TestOptimizationSteps(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 32, config.EffectiveTrainBatchSize())
	assert.Equal(t, 9, config.NumOptimizationSteps(100, 1)) // int(100/32) * 3
	assert.Equal(t, 4, config.NumOptimizationSteps(100, 2))
	assert.Equal(t, 0, config.NumWarmupSteps(9))

	config.GradientAccumulationSteps = 2
	assert.Equal(t, 16, config.EffectiveTrainBatchSize())
	assert.Equal(t, 9, config.NumOptimizationSteps(100, 1)) // int(100/16/2) * 3
	assert.Equal(t, 30, config.NumOptimizationSteps(320, 1))
	assert.Equal(t, 3, config.NumWarmupSteps(30))
}
