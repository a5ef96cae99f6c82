// Package checkpoint saves and restores the full state of a training run, so an interrupted run
// resumes exactly where the last checkpoint was taken.
//
// A checkpoint is a single safetensors file (FileName) in the output directory, holding:
//
//   - "model/<param>" and "grad/<param>": the parameter values and accumulated gradients.
//   - "optimizer/exp_avg/<param>" and "optimizer/exp_avg_sq/<param>": the AdamW moments.
//   - in the metadata: epoch, running loss, global step, run id and the scalar state of the
//     optimizer, the loss scaler and the learning-rate scheduler.
//
// Files are written atomically (write to a temporary file, then rename), so a reader always sees a
// complete checkpoint, even if the writer is killed.
package checkpoint

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/go-punctuation/model"
	"github.com/gomlx/go-punctuation/models/safetensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileName of the checkpoint in the output directory.
const FileName = "checkpoint.ckt"

const (
	formatKey     = "format"
	formatVersion = "punctuation-checkpoint/1"

	modelPrefix    = "model/"
	gradPrefix     = "grad/"
	expAvgPrefix   = "optimizer/exp_avg/"
	expAvgSqPrefix = "optimizer/exp_avg_sq/"
)

// OptimizerState is the state of the AdamW optimizer and of the fp16 loss scaler.
type OptimizerState struct {
	// Step is the number of optimizer updates applied, used for bias correction.
	Step int

	// ExpAvg and ExpAvgSq are the first and second moments, keyed by parameter name.
	ExpAvg, ExpAvgSq map[string][]float32

	// LossScale and GoodSteps are the state of the dynamic loss scaler, if used.
	LossScale float64
	GoodSteps int
}

// SchedulerState is the state of the learning-rate scheduler.
type SchedulerState struct {
	Step        int
	WarmupSteps int
	TotalSteps  int
	BaseLR      float64
}

// Checkpoint is a point in time snapshot of a training run.
type Checkpoint struct {
	// Epoch during which the checkpoint was taken. A resumed run starts at Epoch+1.
	Epoch int

	// RunningLoss is the sum of the losses of the epoch so far.
	RunningLoss float64

	// GlobalStep is the number of optimization steps taken.
	GlobalStep int

	// RunID identifies the run that wrote the checkpoint. It is kept across resumptions.
	RunID string

	// Params are the model parameters, values and gradients.
	Params []*model.Parameter

	Optimizer OptimizerState
	Scheduler SchedulerState
}

// Path returns the checkpoint path in the output directory.
func Path(outputDir string) string {
	return filepath.Join(outputDir, FileName)
}

// Exists returns whether outputDir holds a checkpoint.
func Exists(outputDir string) bool {
	info, err := os.Stat(Path(outputDir))
	return err == nil && info.Mode().IsRegular()
}

// Save writes the checkpoint to path, replacing atomically any previous one.
func Save(path string, ckpt *Checkpoint) error {
	var ts []safetensors.Tensor
	for _, p := range ckpt.Params {
		ts = append(ts,
			safetensors.Float32Tensor(modelPrefix+p.Name, p.Shape, p.Value),
			safetensors.Float32Tensor(gradPrefix+p.Name, p.Shape, p.Grad))
		if moment, found := ckpt.Optimizer.ExpAvg[p.Name]; found {
			ts = append(ts, safetensors.Float32Tensor(expAvgPrefix+p.Name, p.Shape, moment))
		}
		if moment, found := ckpt.Optimizer.ExpAvgSq[p.Name]; found {
			ts = append(ts, safetensors.Float32Tensor(expAvgSqPrefix+p.Name, p.Shape, moment))
		}
	}
	metadata := map[string]string{
		formatKey:                formatVersion,
		"epoch":                  strconv.Itoa(ckpt.Epoch),
		"loss":                   formatFloat(ckpt.RunningLoss),
		"global_step":            strconv.Itoa(ckpt.GlobalStep),
		"run_id":                 ckpt.RunID,
		"saved_at":               time.Now().UTC().Format(time.RFC3339),
		"optimizer.step":         strconv.Itoa(ckpt.Optimizer.Step),
		"optimizer.loss_scale":   formatFloat(ckpt.Optimizer.LossScale),
		"optimizer.good_steps":   strconv.Itoa(ckpt.Optimizer.GoodSteps),
		"scheduler.step":         strconv.Itoa(ckpt.Scheduler.Step),
		"scheduler.warmup_steps": strconv.Itoa(ckpt.Scheduler.WarmupSteps),
		"scheduler.total_steps":  strconv.Itoa(ckpt.Scheduler.TotalSteps),
		"scheduler.base_lr":      formatFloat(ckpt.Scheduler.BaseLR),
	}
	if err := safetensors.WriteFile(path, ts, metadata); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint")
	}
	klog.V(2).Infof("checkpoint saved to %s: epoch %d, global step %d", path, ckpt.Epoch, ckpt.GlobalStep)
	return nil
}

// formatFloat formats v so that it parses back to exactly the same value.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Load reads the checkpoint at path, restoring the values and gradients of params in place.
// Every parameter must be in the checkpoint with the same shape, otherwise the checkpoint is
// incompatible and an error is returned.
func Load(path string, params []*model.Parameter) (*Checkpoint, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open checkpoint")
	}
	defer func() {
		if err := f.Close(); err != nil {
			klog.Warningf("closing checkpoint: %v", err)
		}
	}()

	meta := f.Header.Metadata
	if meta[formatKey] != formatVersion {
		return nil, errors.Errorf("%s is not a checkpoint of a compatible version (format %q, wanted %q)",
			path, meta[formatKey], formatVersion)
	}
	ckpt := &Checkpoint{
		RunID:  meta["run_id"],
		Params: params,
		Optimizer: OptimizerState{
			ExpAvg:   make(map[string][]float32),
			ExpAvgSq: make(map[string][]float32),
		},
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"epoch", &ckpt.Epoch},
		{"global_step", &ckpt.GlobalStep},
		{"optimizer.step", &ckpt.Optimizer.Step},
		{"optimizer.good_steps", &ckpt.Optimizer.GoodSteps},
		{"scheduler.step", &ckpt.Scheduler.Step},
		{"scheduler.warmup_steps", &ckpt.Scheduler.WarmupSteps},
		{"scheduler.total_steps", &ckpt.Scheduler.TotalSteps},
	}
	for _, field := range ints {
		if *field.dst, err = strconv.Atoi(meta[field.key]); err != nil {
			return nil, errors.Wrapf(err, "invalid %q in checkpoint %s", field.key, path)
		}
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"loss", &ckpt.RunningLoss},
		{"optimizer.loss_scale", &ckpt.Optimizer.LossScale},
		{"scheduler.base_lr", &ckpt.Scheduler.BaseLR},
	}
	for _, field := range floats {
		if *field.dst, err = strconv.ParseFloat(meta[field.key], 64); err != nil {
			return nil, errors.Wrapf(err, "invalid %q in checkpoint %s", field.key, path)
		}
	}

	// Read everything before touching the parameters, so a failed load leaves them unchanged.
	values := make([][]float32, len(params))
	grads := make([][]float32, len(params))
	for i, p := range params {
		if values[i], err = readParam(f, modelPrefix+p.Name, p); err != nil {
			return nil, err
		}
		if grads[i], err = readParam(f, gradPrefix+p.Name, p); err != nil {
			return nil, err
		}
		if f.Has(expAvgPrefix + p.Name) {
			if ckpt.Optimizer.ExpAvg[p.Name], err = readParam(f, expAvgPrefix+p.Name, p); err != nil {
				return nil, err
			}
		}
		if f.Has(expAvgSqPrefix + p.Name) {
			if ckpt.Optimizer.ExpAvgSq[p.Name], err = readParam(f, expAvgSqPrefix+p.Name, p); err != nil {
				return nil, err
			}
		}
	}
	for i, p := range params {
		copy(p.Value, values[i])
		copy(p.Grad, grads[i])
	}
	klog.V(1).Infof("checkpoint loaded from %s: epoch %d, global step %d, run %s",
		path, ckpt.Epoch, ckpt.GlobalStep, ckpt.RunID)
	return ckpt, nil
}

// readParam reads a tensor that must have the shape of p.
func readParam(f *safetensors.File, name string, p *model.Parameter) ([]float32, error) {
	values, shape, err := f.Float32s(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "incompatible checkpoint")
	}
	if !slices.Equal(shape, p.Shape) {
		return nil, errors.Errorf("incompatible checkpoint: %s has shape %v, but the model's parameter has shape %v",
			name, shape, p.Shape)
	}
	return values, nil
}
