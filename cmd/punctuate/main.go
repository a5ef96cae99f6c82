// punctuate fine-tunes and evaluates a punctuation restoration scorer.
//
// Example:
//
//	punctuate --data_dir=data --model_name_or_path=bert-base-cased --output_dir=out \
//		--do_train --do_eval --eval_every_epoch
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/go-punctuation/dataset"
	"github.com/gomlx/go-punctuation/model"
	"github.com/gomlx/go-punctuation/tokenizers"
	"github.com/gomlx/go-punctuation/train"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	// Scorers available to --model_arch.
	_ "github.com/gomlx/go-punctuation/model/lexical"
)

type runFunc func(ctx context.Context, config *train.Config) (*train.Result, error)

type styles struct {
	title lipgloss.Style
	panel lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
}

func defaultStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(brand),
		panel: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(brand).Padding(0, 1),
		dim:   lipgloss.NewStyle().Foreground(subtle),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(train.Run).ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(run runFunc) *cobra.Command {
	config := train.DefaultConfig()
	var modelType, modelArch, evalOn string

	rootCmd := &cobra.Command{
		Use:   "punctuate",
		Short: "Fine-tune and evaluate a punctuation restoration model",
		Args:  cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if config.ModelType, err = tokenizers.ParseModelType(modelType); err != nil {
				return errors.WithMessage(err, "--model_type")
			}
			if config.ModelArch, err = model.ParseArch(modelArch); err != nil {
				return errors.WithMessage(err, "--model_arch")
			}
			if config.EvalOn, err = dataset.ParseEvalSplit(evalOn); err != nil {
				return errors.WithMessage(err, "--eval_on")
			}
			st := defaultStyles()
			fmt.Fprintln(cmd.OutOrStdout(), st.title.Render("punctuate")+" "+
				st.dim.Render(fmt.Sprintf("%s/%s on %s", config.ModelType, config.ModelArch, config.ModelNameOrPath)))
			result, err := run(cmd.Context(), config)
			if err != nil {
				klog.Errorf("punctuate failed: %+v", err)
				return err
			}
			printResult(cmd, st, config, result)
			return nil
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&config.DataDir, "data_dir", config.DataDir, "Directory with the train, dev and test splits")
	f.StringVar(&config.ModelNameOrPath, "model_name_or_path", config.ModelNameOrPath, "Directory of the pretrained model")
	f.StringVar(&modelType, "model_type", string(config.ModelType), "Tokenizer family: "+joinNames(tokenizers.ModelTypes))
	f.StringVar(&modelArch, "model_arch", string(config.ModelArch), "Scorer architecture: "+joinNames(model.Archs))
	f.StringVar(&config.TaskName, "task_name", config.TaskName, "Name of the task")
	f.StringVar(&config.OutputDir, "output_dir", config.OutputDir, "Directory for checkpoints, reports and the fine-tuned model")
	f.IntVar(&config.MaxSeqLength, "max_seq_length", config.MaxSeqLength, "Maximum number of subword tokens per sequence, including the start and end markers")
	f.BoolVar(&config.DoTrain, "do_train", config.DoTrain, "Run training")
	f.BoolVar(&config.DoEval, "do_eval", config.DoEval, "Evaluate the fine-tuned model")
	f.StringVar(&evalOn, "eval_on", string(config.EvalOn), "Split to evaluate on: dev or test")
	f.BoolVar(&config.DoLowerCase, "do_lower_case", config.DoLowerCase, "Lower-case the input text")
	f.IntVar(&config.TrainBatchSize, "train_batch_size", config.TrainBatchSize, "Training batch size, split across gradient accumulation steps")
	f.IntVar(&config.EvalBatchSize, "eval_batch_size", config.EvalBatchSize, "Evaluation batch size")
	f.BoolVar(&config.EvalEveryEpoch, "eval_every_epoch", config.EvalEveryEpoch, "Evaluate during training")
	f.Float64Var(&config.LearningRate, "learning_rate", config.LearningRate, "Initial learning rate for AdamW")
	f.IntVar(&config.NumTrainEpochs, "num_train_epochs", config.NumTrainEpochs, "Number of training epochs")
	f.Float64Var(&config.WarmupProportion, "warmup_proportion", config.WarmupProportion, "Proportion of training used for the linear learning rate warmup")
	f.Float64Var(&config.WeightDecay, "weight_decay", config.WeightDecay, "Weight decay")
	f.Float64Var(&config.AdamEpsilon, "adam_epsilon", config.AdamEpsilon, "Epsilon for AdamW")
	f.Float64Var(&config.MaxGradNorm, "max_grad_norm", config.MaxGradNorm, "Maximum gradient norm, 0 disables clipping")
	f.BoolVar(&config.NoCUDA, "no_cuda", config.NoCUDA, "Don't use an accelerator even if available")
	f.IntVar(&config.LocalRank, "local_rank", config.LocalRank, "Local rank for distributed training, -1 otherwise")
	f.Uint64Var(&config.Seed, "seed", config.Seed, "Random seed")
	f.IntVar(&config.GradientAccumulationSteps, "gradient_accumulation_steps", config.GradientAccumulationSteps, "Number of batches accumulated before each optimizer step")
	f.BoolVar(&config.FP16, "fp16", config.FP16, "Use loss scaling for reduced precision training")
	f.Float64Var(&config.LossScale, "loss_scale", config.LossScale, "Static loss scale with --fp16, 0 for dynamic loss scaling")
	f.Float64Var(&config.NoiseProb, "noise_prob", config.NoiseProb, "Probability of stripping the accents of a training word")
	f.IntVar(&config.CheckpointEvery, "checkpoint_every", config.CheckpointEvery, "Number of batches between checkpoints, 0 for end of epoch only")

	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)
	return rootCmd
}

func printResult(cmd *cobra.Command, st styles, config *train.Config, result *train.Result) {
	out := cmd.OutOrStdout()
	if result.Trainer != nil {
		fmt.Fprintln(out, st.ok.Render("trained")+" "+st.dim.Render(fmt.Sprintf(
			"%d optimizer steps, %d epochs, model saved to %s",
			result.Trainer.GlobalStep(), config.NumTrainEpochs, config.OutputDir)))
	}
	if result.Report == nil {
		return
	}
	title := st.title.Render(fmt.Sprintf("Evaluation on %s", config.EvalOn))
	fmt.Fprintln(out, st.panel.Render(title+"\n\n"+strings.TrimRight(result.Report.String(), "\n")))
	fmt.Fprintln(out, st.ok.Render(result.Report.Summary()))
}

func joinNames[T ~string](names []T) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = string(name)
	}
	return strings.Join(parts, ", ")
}
