package train

import (
	"context"
	"fmt"

	"github.com/gomlx/go-punctuation/checkpoint"
	"github.com/gomlx/go-punctuation/loader"
	"github.com/gomlx/go-punctuation/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a Trainer.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateCheckpointed
	StateFinished
)

var stateNames = [...]string{
	StateNotStarted:   "not-started",
	StateRunning:      "running",
	StateCheckpointed: "checkpointed",
	StateFinished:     "finished",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Trainer runs the training loop of a model over the batches of a loader.
//
// Batches are consumed strictly in sequence by the goroutine calling Run. Gradients of
// GradientAccumulationSteps consecutive batches are accumulated before each optimizer step, and
// a checkpoint is written every CheckpointEvery batches (by the main rank only). A run that finds
// a checkpoint in the output directory resumes from the epoch after the checkpointed one.
type Trainer struct {
	Config    *Config
	Model     model.Model
	Loader    *loader.Loader
	Env       Env
	Optimizer *AdamW
	Scheduler *LinearWarmup
	Scaler    *LossScaler

	// Reducer averages gradients across ranks after every batch. Nil for single process runs.
	Reducer GradientReducer

	// Evaluate, if set, is called by the main rank after every batch.
	Evaluate func(ctx context.Context) error

	// AfterBatch, if set, is called after every batch, once it has been checkpointed, with the
	// epoch and the 1-based number of the batch in the epoch.
	AfterBatch func(epoch, batch int)

	// RunID identifies the run in checkpoints. It is replaced by the checkpoint's on resumption.
	RunID string

	state       State
	epoch       int
	globalStep  int
	runningLoss float64
}

// NewTrainer creates a Trainer with an AdamW optimizer, a linear warmup schedule and a loss
// scaler configured from config.
func NewTrainer(config *Config, m model.Model, l *loader.Loader, env Env) *Trainer {
	totalSteps := config.NumOptimizationSteps(len(l.Features), env.WorldSize)
	return &Trainer{
		Config:    config,
		Model:     m,
		Loader:    l,
		Env:       env,
		Optimizer: NewAdamW(m.Parameters(), config.LearningRate, config.AdamEpsilon, config.WeightDecay),
		Scheduler: NewLinearWarmup(config.LearningRate, config.NumWarmupSteps(totalSteps), totalSteps),
		Scaler:    NewLossScaler(config.FP16, config.LossScale),
		RunID:     uuid.New().String(),
	}
}

// State returns the current state of the trainer.
func (t *Trainer) State() State { return t.state }

// Epoch returns the current (0-based) epoch.
func (t *Trainer) Epoch() int { return t.epoch }

// GlobalStep returns the number of optimizer steps taken.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// RunningLoss returns the sum of the batch losses of the current epoch, each divided by the
// number of accumulation steps.
func (t *Trainer) RunningLoss() float64 { return t.runningLoss }

// Run trains until the configured number of epochs, resuming from the checkpoint in the output
// directory if there is one.
//
// Cancelling ctx stops the training before the next batch: the last checkpoint written remains
// valid, and Run returns the context's error.
func (t *Trainer) Run(ctx context.Context) error {
	if t.state != StateNotStarted {
		return errors.Errorf("trainer already %s", t.state)
	}
	if err := t.restore(); err != nil {
		return err
	}
	cfg := t.Config
	k := cfg.GradientAccumulationSteps
	params := t.Model.Parameters()
	klog.Infof("***** Running training (%s) *****", t.Env)
	klog.Infof("  Num examples = %d", len(t.Loader.Features))
	klog.Infof("  Batch size = %d", t.Loader.BatchSize)
	klog.Infof("  Num steps = %d", t.Scheduler.TotalSteps)

	for epoch := t.epoch; epoch < cfg.NumTrainEpochs; epoch++ {
		t.epoch = epoch
		t.runningLoss = 0
		klog.Infof("Epoch %d/%d", epoch+1, cfg.NumTrainEpochs)
		numBatches, checkpointed := 0, false
		for batch, err := range t.Loader.Batches(epoch) {
			if err != nil {
				return errors.WithMessagef(err, "epoch %d, batch %d", epoch+1, numBatches+1)
			}
			if err := ctx.Err(); err != nil {
				return errors.WithMessagef(err, "training interrupted in epoch %d before batch %d", epoch+1, numBatches+1)
			}
			t.state = StateRunning
			if err := t.trainBatch(ctx, batch, params); err != nil {
				return errors.WithMessagef(err, "epoch %d, batch %d", epoch+1, numBatches+1)
			}
			numBatches++
			if numBatches%k == 0 {
				t.optimizerStep()
			}

			checkpointed = false
			if cfg.CheckpointEvery > 0 && numBatches%cfg.CheckpointEvery == 0 {
				if err := t.saveCheckpoint(); err != nil {
					return err
				}
				checkpointed = true
			}
			if t.Evaluate != nil && t.Env.IsMain() {
				if err := t.Evaluate(ctx); err != nil {
					return errors.WithMessagef(err, "evaluation after epoch %d, batch %d", epoch+1, numBatches)
				}
			}
			if t.AfterBatch != nil {
				t.AfterBatch(epoch, numBatches)
			}
			klog.V(2).Infof("epoch %d, batch %d/%d: running loss %.6f, global step %d, lr %g",
				epoch+1, numBatches, t.Loader.NumBatches(), t.runningLoss, t.globalStep, t.Scheduler.LR())
		}
		if !checkpointed {
			if err := t.saveCheckpoint(); err != nil {
				return err
			}
		}
		klog.Infof("Epoch %d/%d done: loss %.6f, global step %d", epoch+1, cfg.NumTrainEpochs, t.runningLoss, t.globalStep)
	}
	t.state = StateFinished
	return nil
}

// restore the state of the checkpoint in the output directory, if any.
func (t *Trainer) restore() error {
	if !checkpoint.Exists(t.Config.OutputDir) {
		t.epoch = 0
		return nil
	}
	path := checkpoint.Path(t.Config.OutputDir)
	ckpt, err := checkpoint.Load(path, t.Model.Parameters())
	if err != nil {
		return err
	}
	if err := t.Optimizer.Restore(ckpt.Optimizer); err != nil {
		return err
	}
	if err := t.Scheduler.Restore(ckpt.Scheduler); err != nil {
		return err
	}
	if t.Scaler.Enabled && ckpt.Optimizer.LossScale > 0 {
		t.Scaler.Scale = ckpt.Optimizer.LossScale
		t.Scaler.GoodSteps = ckpt.Optimizer.GoodSteps
	}
	t.epoch = ckpt.Epoch + 1
	t.globalStep = ckpt.GlobalStep
	t.runningLoss = ckpt.RunningLoss
	if ckpt.RunID != "" {
		t.RunID = ckpt.RunID
	}
	t.state = StateCheckpointed
	klog.Infof("Resuming run %s from %s: epoch %d, global step %d", t.RunID, path, t.epoch+1, t.globalStep)
	return nil
}

// trainBatch runs the forward and backward passes of a batch, and clips the accumulated gradients.
// Empty batches (a distributed rank out of examples) contribute no gradient, but still take part
// in the gradient reduction.
func (t *Trainer) trainBatch(ctx context.Context, batch *loader.Batch, params []*model.Parameter) error {
	k := float64(t.Config.GradientAccumulationSteps)
	if batch.Size() > 0 {
		loss, err := t.Model.Loss(&batch.Inputs)
		if err != nil {
			return err
		}
		values := loss.Values()
		var mean float64
		for _, v := range values {
			mean += v
		}
		if len(values) > 0 {
			mean /= float64(len(values))
		}
		t.Scaler.scaleGrads(params)
		if err := loss.Backward(t.Scaler.Scale / k); err != nil {
			return errors.WithMessage(err, "backward pass")
		}
		t.Scaler.unscaleGrads(params)
		t.runningLoss += mean / k
	}
	if t.Reducer != nil {
		if err := t.Reducer.AllReduce(ctx, params); err != nil {
			return err
		}
	}
	t.Scaler.checkOverflow(params)
	if !t.Scaler.Overflowed() {
		ClipGradNorm(params, t.Config.MaxGradNorm)
	}
	return nil
}

// optimizerStep ends an accumulation window.
func (t *Trainer) optimizerStep() {
	if t.Scaler.Update() {
		t.Optimizer.LR = t.Scheduler.LR()
		t.Optimizer.Step()
	} else {
		klog.Warningf("gradient overflow at global step %d, skipping the update; loss scale now %g",
			t.globalStep, t.Scaler.Scale)
	}
	t.Scheduler.Step()
	t.Optimizer.ZeroGrad()
	t.globalStep++
}

// saveCheckpoint writes the checkpoint, on the main rank only.
func (t *Trainer) saveCheckpoint() error {
	if !t.Env.IsMain() {
		return nil
	}
	state := t.Optimizer.State()
	state.LossScale = t.Scaler.Scale
	state.GoodSteps = t.Scaler.GoodSteps
	ckpt := &checkpoint.Checkpoint{
		Epoch:       t.epoch,
		RunningLoss: t.runningLoss,
		GlobalStep:  t.globalStep,
		RunID:       t.RunID,
		Params:      t.Model.Parameters(),
		Optimizer:   state,
		Scheduler:   t.Scheduler.State(),
	}
	if err := checkpoint.Save(checkpoint.Path(t.Config.OutputDir), ckpt); err != nil {
		return err
	}
	t.state = StateCheckpointed
	return nil
}
