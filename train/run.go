package train

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-punctuation/checkpoint"
	"github.com/gomlx/go-punctuation/dataset"
	"github.com/gomlx/go-punctuation/eval"
	"github.com/gomlx/go-punctuation/features"
	"github.com/gomlx/go-punctuation/hub"
	"github.com/gomlx/go-punctuation/loader"
	"github.com/gomlx/go-punctuation/metrics"
	"github.com/gomlx/go-punctuation/model"
	"github.com/gomlx/go-punctuation/tokenizers"
	"github.com/gomlx/go-punctuation/tokenizers/api"
	"github.com/gomlx/go-punctuation/tokenizers/hftokenizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Result of Run.
type Result struct {
	// Trainer of the training run, nil if DoTrain was not set.
	Trainer *Trainer

	// Report of the final evaluation, nil if DoEval was not set or the process is not the main rank.
	Report *metrics.Report
}

// Run executes the fine-tuning described by config: it trains (or resumes training) when DoTrain
// is set, saving the fine-tuned model to the output directory, and evaluates the model on the
// EvalOn split when DoEval is set.
//
// Scorers are created with model.New, so the package implementing config.ModelArch must have been
// imported.
func Run(ctx context.Context, config *Config) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	env, err := NewEnv(config.LocalRank)
	if err != nil {
		return nil, err
	}
	var session string
	if config.DoTrain {
		session, err = env.SharedInit(config.OutputDir, 0, func() error { return prepareOutputDir(config.OutputDir) })
		if err != nil {
			return nil, err
		}
		if env.Distributed() && env.IsMain() {
			defer func() {
				if err := RemoveInitMarker(config.OutputDir); err != nil {
					klog.Warningf("%v", err)
				}
			}()
		}
	}

	device := model.SelectDevice(config.NoCUDA, env.LocalRank)
	klog.Infof("device: %s, %s, 16-bits training: %v", device, env, config.FP16)

	processor, err := dataset.NewProcessor(config.TaskName)
	if err != nil {
		return nil, err
	}
	labelMap, err := dataset.NewLabelMap(processor.Labels())
	if err != nil {
		return nil, err
	}

	result := &Result{}
	var m model.Model
	if config.DoTrain {
		repo := hub.New(config.ModelNameOrPath)
		if empty, err := repo.IsEmpty(); err != nil {
			return nil, err
		} else if empty {
			return nil, errors.Errorf("no pretrained model files in %s", repo)
		}
		tok, err := tokenizers.New(config.ModelType, repo, config.DoLowerCase)
		if err != nil {
			return nil, err
		}
		m, err = model.New(model.Config{
			Arch:       config.ModelArch,
			NameOrPath: config.ModelNameOrPath,
			NumLabels:  labelMap.NumLabels(),
			VocabSize:  tok.VocabSize(),
			Seed:       config.Seed,
		})
		if err != nil {
			return nil, err
		}
		model.Place(m, device)

		t, err := newTrainer(ctx, config, env, session, processor, labelMap, tok, m)
		if err != nil {
			return nil, err
		}
		result.Trainer = t
		if err := t.Run(ctx); err != nil {
			return result, err
		}
		if env.IsMain() {
			if err := saveFineTuned(config, labelMap, tok, m); err != nil {
				return result, err
			}
		}
	}

	if config.DoEval && env.IsMain() {
		// The evaluation always uses the fine-tuned model and tokenizer saved in the output directory.
		outputRepo := hub.New(config.OutputDir)
		tok, err := tokenizers.New(config.ModelType, outputRepo, config.DoLowerCase)
		if err != nil {
			return result, errors.WithMessagef(err, "failed to load the fine-tuned tokenizer")
		}
		if m, err = loadFineTuned(config, labelMap); err != nil {
			return result, err
		}
		model.Place(m, device)
		evalLoader, err := newEvalLoader(ctx, config, processor, labelMap, tok)
		if err != nil {
			return result, err
		}
		klog.Infof("***** Running evaluation on %s *****", config.EvalOn)
		result.Report, err = eval.Run(ctx, m, evalLoader.Batches(0), labelMap, config.OutputDir, eval.TestResultsFile)
		if err != nil {
			return result, err
		}
		klog.Infof("***** Test results *****\n%s", result.Report)
	}
	return result, nil
}

// prepareOutputDir creates the output directory. A directory with content is only accepted if it
// holds a checkpoint to resume from.
func prepareOutputDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to list output directory %q", dir)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), initMarkerFile) {
			continue
		}
		if !checkpoint.Exists(dir) {
			return errors.Wrapf(ErrOutputDirNotEmpty, "output directory %q", dir)
		}
		break
	}
	return errors.Wrapf(os.MkdirAll(dir, hub.DefaultDirCreationPerm), "failed to create %q", dir)
}

func newTrainer(ctx context.Context, config *Config, env Env, session string, processor dataset.Processor,
	labelMap *dataset.LabelMap, tok api.WordTokenizer, m model.Model) (*Trainer, error) {
	examples, err := dataset.TrainExamples(processor, config.DataDir)
	if err != nil {
		return nil, err
	}
	encoder, err := features.NewEncoder(labelMap, config.MaxSeqLength, tok, config.NoiseProb)
	if err != nil {
		return nil, err
	}
	fs, err := encoder.EncodeAll(ctx, examples, features.ModeTrain, config.Seed)
	if err != nil {
		return nil, err
	}
	var sampler loader.Sampler = loader.RandomSampler{N: len(fs), Seed: config.Seed}
	if env.Distributed() {
		if sampler, err = loader.NewDistributedSampler(len(fs), env.Rank, env.WorldSize, config.Seed, true); err != nil {
			return nil, err
		}
	}
	l, err := loader.New(fs, config.EffectiveTrainBatchSize(), sampler)
	if err != nil {
		return nil, err
	}

	t := NewTrainer(config, m, l, env)
	if env.Distributed() && env.WorldSize > 1 {
		t.Reducer = NewFileAllReducer(env, config.OutputDir, session)
	}
	if config.DoEval && config.EvalEveryEpoch && env.IsMain() {
		evalLoader, err := newEvalLoader(ctx, config, processor, labelMap, tok)
		if err != nil {
			return nil, err
		}
		t.Evaluate = func(ctx context.Context) error {
			_, err := eval.Run(ctx, m, evalLoader.Batches(0), labelMap, config.OutputDir, eval.EvalResultsFile)
			return err
		}
	}
	return t, nil
}

func newEvalLoader(ctx context.Context, config *Config, processor dataset.Processor, labelMap *dataset.LabelMap,
	tok api.WordTokenizer) (*loader.Loader, error) {
	examples, err := processor.Examples(config.DataDir, config.EvalOn)
	if err != nil {
		return nil, err
	}
	encoder, err := features.NewEncoder(labelMap, config.MaxSeqLength, tok, 0)
	if err != nil {
		return nil, err
	}
	fs, err := encoder.EncodeAll(ctx, examples, features.ModeEval, config.Seed)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("evaluation on %s: %d examples, batch size %d", config.EvalOn, len(fs), config.EvalBatchSize)
	return loader.New(fs, config.EvalBatchSize, loader.SequentialSampler{N: len(fs)})
}

// saveFineTuned writes the model weights, the tokenizer files and model_config.json into the
// output directory. WordPiece tokenizers are saved as tokenizer.json, added tokens included.
func saveFineTuned(config *Config, labelMap *dataset.LabelMap, tok api.WordTokenizer, m model.Model) error {
	saver, ok := m.(model.Saver)
	if !ok {
		return errors.Errorf("model %s can't be saved", m.Arch())
	}
	if err := saver.Save(config.OutputDir); err != nil {
		return errors.WithMessagef(err, "failed to save the fine-tuned model")
	}
	copied, err := hub.New(config.ModelNameOrPath).CopyFilesTo(config.OutputDir, tokenizers.ConfigFiles...)
	if err != nil {
		return errors.WithMessagef(err, "failed to copy the tokenizer files")
	}
	klog.V(1).Infof("tokenizer files %v copied to %s", copied, config.OutputDir)
	if hfTok, ok := tok.(*hftokenizer.Tokenizer); ok {
		if err := hfTok.SaveFile(filepath.Join(config.OutputDir, "tokenizer.json")); err != nil {
			return errors.WithMessagef(err, "failed to save the fine-tuned tokenizer")
		}
	}
	return model.WriteFineTunedConfig(config.OutputDir, &model.FineTunedConfig{
		ModelNameOrPath: config.ModelNameOrPath,
		DoLower:         config.DoLowerCase,
		MaxSeqLength:    config.MaxSeqLength,
		NumLabels:       labelMap.NumLabels(),
		LabelMap:        labelMap.IDToName(),
		ModelType:       string(config.ModelType),
		ModelArch:       config.ModelArch,
	})
}

// loadFineTuned reloads the fine-tuned model from the output directory. model_config.json must be
// there: its label map must match labelMap, and its architecture, if any, takes precedence over
// the configured one.
func loadFineTuned(config *Config, labelMap *dataset.LabelMap) (model.Model, error) {
	ftConfig, err := model.ReadFineTunedConfig(config.OutputDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "no fine-tuned model in %q", config.OutputDir)
	}
	savedLabels, err := dataset.LabelMapFromIDToName(ftConfig.LabelMap)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid %s in %q", model.ConfigFileName, config.OutputDir)
	}
	if !slices.Equal(savedLabels.Labels(), labelMap.Labels()) || ftConfig.NumLabels != labelMap.NumLabels() {
		return nil, errors.Wrapf(ErrLabelMapMismatch, "model in %q was trained with labels %v (%d label ids), task %q uses %v",
			config.OutputDir, savedLabels.Labels(), ftConfig.NumLabels, config.TaskName, labelMap.Labels())
	}
	arch := config.ModelArch
	if ftConfig.ModelArch != "" {
		arch = ftConfig.ModelArch
	}
	m, err := model.Load(arch, config.OutputDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load the fine-tuned model from %q", config.OutputDir)
	}
	return m, nil
}
