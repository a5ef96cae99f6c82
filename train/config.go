// Package train fine-tunes a punctuation scorer: it builds the training pipeline from a Config,
// runs the training loop with gradient accumulation, AdamW and a linear warmup schedule, saves a
// checkpoint after every batch so an interrupted run can resume, and evaluates the result.
package train

import (
	"github.com/gomlx/go-punctuation/dataset"
	"github.com/gomlx/go-punctuation/model"
	"github.com/gomlx/go-punctuation/tokenizers"
	"github.com/pkg/errors"
)

var (
	// ErrNothingToDo is returned when neither training nor evaluation is requested.
	ErrNothingToDo = errors.New("at least one of do_train or do_eval must be set")

	// ErrInvalidAccumulationSteps is returned for gradient_accumulation_steps < 1.
	ErrInvalidAccumulationSteps = errors.New("invalid gradient_accumulation_steps")

	// ErrOutputDirNotEmpty is returned when a fresh training run would write into a directory with
	// other content.
	ErrOutputDirNotEmpty = errors.New("output directory already exists and is not empty")

	// ErrLabelMapMismatch is returned when the fine-tuned model in the output directory was trained
	// with a different label map than the task's.
	ErrLabelMapMismatch = errors.New("label map of the fine-tuned model doesn't match the task")

	// ErrInvalidConfig is returned for any other invalid setting.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config of a fine-tuning run. The zero value is not valid: start from DefaultConfig.
type Config struct {
	// DataDir holds the train, dev and test splits.
	DataDir string

	// ModelNameOrPath is the directory of the pretrained model: tokenizer files and, for
	// scorers that support it, the pretrained weights.
	ModelNameOrPath string

	ModelType tokenizers.ModelType
	ModelArch model.Arch
	TaskName  string

	// OutputDir receives checkpoints, reports and the fine-tuned model.
	OutputDir string

	MaxSeqLength int
	DoTrain      bool
	DoEval       bool
	EvalOn       dataset.Split
	DoLowerCase  bool

	TrainBatchSize int
	EvalBatchSize  int

	// EvalEveryEpoch evaluates the model on the EvalOn split during training. The evaluation
	// runs after every batch, each one overwriting the report in the output directory.
	EvalEveryEpoch bool

	LearningRate     float64
	NumTrainEpochs   int
	WarmupProportion float64
	WeightDecay      float64
	AdamEpsilon      float64
	MaxGradNorm      float64

	NoCUDA    bool
	LocalRank int
	Seed      uint64

	// GradientAccumulationSteps is the number of batches whose gradients are accumulated
	// before each optimizer step. TrainBatchSize is split across them.
	GradientAccumulationSteps int

	// FP16 enables loss scaling: static with LossScale if LossScale > 0, dynamic otherwise.
	FP16      bool
	LossScale float64

	// NoiseProb is the probability of stripping the accents of each training word.
	NoiseProb float64

	// CheckpointEvery is the number of batches between checkpoints. With 0 checkpoints are only
	// written at the end of each epoch.
	CheckpointEvery int
}

// DefaultConfig returns the default configuration. DataDir, ModelNameOrPath and OutputDir must
// still be set, as well as DoTrain and/or DoEval.
func DefaultConfig() *Config {
	return &Config{
		ModelType:                 tokenizers.ModelTypeBERT,
		ModelArch:                 model.ArchOriginal,
		TaskName:                  dataset.PunctuationTask,
		MaxSeqLength:              190,
		EvalOn:                    dataset.SplitTest,
		TrainBatchSize:            32,
		EvalBatchSize:             8,
		LearningRate:              5e-5,
		NumTrainEpochs:            3,
		WarmupProportion:          0.1,
		WeightDecay:               0.01,
		AdamEpsilon:               1e-8,
		MaxGradNorm:               1.0,
		LocalRank:                 -1,
		Seed:                      42,
		GradientAccumulationSteps: 1,
		NoiseProb:                 0.15,
		CheckpointEvery:           1,
	}
}

// Validate checks the configuration, without touching the file system.
func (c *Config) Validate() error {
	if c.GradientAccumulationSteps < 1 {
		return errors.Wrapf(ErrInvalidAccumulationSteps, "got %d, should be >= 1", c.GradientAccumulationSteps)
	}
	if !c.DoTrain && !c.DoEval {
		return ErrNothingToDo
	}
	if _, err := dataset.NewProcessor(c.TaskName); err != nil {
		return err
	}
	if _, err := dataset.ParseEvalSplit(string(c.EvalOn)); err != nil {
		return err
	}
	if _, err := tokenizers.ParseModelType(string(c.ModelType)); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if _, err := model.ParseArch(string(c.ModelArch)); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}
	switch {
	case c.OutputDir == "":
		return invalid("output_dir must be set")
	case c.ModelNameOrPath == "":
		return invalid("model_name_or_path must be set")
	case c.MaxSeqLength < 2:
		return invalid("max_seq_length must be at least 2, got %d", c.MaxSeqLength)
	case c.DoTrain && c.TrainBatchSize < c.GradientAccumulationSteps:
		return invalid("train_batch_size %d is smaller than gradient_accumulation_steps %d",
			c.TrainBatchSize, c.GradientAccumulationSteps)
	case c.EvalBatchSize < 1:
		return invalid("eval_batch_size must be positive, got %d", c.EvalBatchSize)
	case c.NumTrainEpochs < 0:
		return invalid("num_train_epochs can't be negative, got %d", c.NumTrainEpochs)
	case c.LearningRate < 0:
		return invalid("learning_rate can't be negative, got %g", c.LearningRate)
	case c.WarmupProportion < 0 || c.WarmupProportion > 1:
		return invalid("warmup_proportion must be in [0, 1], got %g", c.WarmupProportion)
	case c.NoiseProb < 0 || c.NoiseProb > 1:
		return invalid("noise_prob must be in [0, 1], got %g", c.NoiseProb)
	case c.CheckpointEvery < 0:
		return invalid("checkpoint_every can't be negative, got %d", c.CheckpointEvery)
	case c.FP16 && c.LossScale < 0:
		return invalid("loss_scale can't be negative, got %g", c.LossScale)
	}
	return nil
}

// EffectiveTrainBatchSize is the number of examples per batch: TrainBatchSize split across the
// GradientAccumulationSteps.
func (c *Config) EffectiveTrainBatchSize() int {
	return c.TrainBatchSize / c.GradientAccumulationSteps
}

// NumOptimizationSteps returns the number of optimizer steps of the whole training, used to
// size the learning-rate schedule. Partial accumulation windows are not counted.
func (c *Config) NumOptimizationSteps(numExamples, worldSize int) int {
	batchSize := c.EffectiveTrainBatchSize()
	if batchSize <= 0 {
		return 0
	}
	steps := int(float64(numExamples)/float64(batchSize)/float64(c.GradientAccumulationSteps)) * c.NumTrainEpochs
	if worldSize > 1 {
		steps /= worldSize
	}
	return steps
}

// NumWarmupSteps returns the number of warmup steps for the given number of optimization steps.
func (c *Config) NumWarmupSteps(numOptimizationSteps int) int {
	return int(c.WarmupProportion * float64(numOptimizationSteps))
}
