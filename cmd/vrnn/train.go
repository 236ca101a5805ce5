// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/vrnn/pkg/corpus"
	"github.com/gomlx/vrnn/pkg/vrnn"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// ParamNumEpochs is the number of passes over the corpus.
	ParamNumEpochs = "num_epochs"

	// ParamDecayRate is the multiplicative decay applied to the learning rate at the start of each epoch:
	// the learning rate of epoch e (0-based) is learning_rate * decay_rate^e.
	ParamDecayRate = "decay_rate"

	// ParamSaveEvery is the number of train steps between checkpoints.
	ParamSaveEvery = "save_every"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// VocabularyFile is the name of the file in the checkpoint directory where the vocabulary is saved.
	VocabularyFile = "vocab.json"
)

// ParamsExcludedFromLoading lists hyperparameters that are not loaded from a checkpoint, so they
// can be changed when resuming training.
var ParamsExcludedFromLoading = []string{ParamNumEpochs, ParamSaveEvery, ParamNumCheckpoints}

// CreateDefaultContext sets the context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	vrnn.DefaultConfig(0).SetParams(ctx)
	ctx.SetParams(map[string]any{
		ParamNumEpochs:      50,
		ParamDecayRate:      0.97,
		ParamSaveEvery:      1000,
		ParamNumCheckpoints: 3,
	})
	return ctx
}

// Summary of a training run.
type Summary struct {
	Corpus                  string
	VocabularySize          int
	NumParameters           int
	Epochs, Steps           int
	FinalCost, FinalKL      float64
	FinalReconstruction     float64
	FinalLearningRate       float64
	Elapsed                 time.Duration
	CheckpointDir           string
	StartStep, BatchesEpoch int
}

// Render the summary as a table.
func (s *Summary) Render() string {
	normalStyle := lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle := normalStyle.Align(lipgloss.Right)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#705090"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Corpus", s.Corpus)
	table.Row("Vocabulary", humanize.Comma(int64(s.VocabularySize)))
	table.Row("Parameters", humanize.Comma(int64(s.NumParameters)))
	table.Row("Epochs", fmt.Sprintf("%d", s.Epochs))
	table.Row("Steps", fmt.Sprintf("%s (%s per epoch, resumed at %s)",
		humanize.Comma(int64(s.Steps)), humanize.Comma(int64(s.BatchesEpoch)), humanize.Comma(int64(s.StartStep))))
	table.Row("Cost", fmt.Sprintf("%.4f", s.FinalCost))
	table.Row("Reconstruction", fmt.Sprintf("%.4f", s.FinalReconstruction))
	table.Row("KL", fmt.Sprintf("%.4f", s.FinalKL))
	table.Row("Learning rate", fmt.Sprintf("%.3g", s.FinalLearningRate))
	table.Row("Elapsed", commandline.FormatDuration(s.Elapsed))
	if s.CheckpointDir != "" {
		table.Row("Checkpoint", s.CheckpointDir)
	}
	return table.String()
}

// TrainModel trains a VRNN on the text corpus at dataPath, with the hyperparameters in ctx.
//
// If checkpointPath is given, training resumes from the last checkpoint saved there, and the
// vocabulary is saved alongside the checkpoints so the model can be used later.
//
// Errors are thrown as panics, as in the rest of the training drivers.
func TrainModel(ctx *context.Context, dataPath, checkpointPath string, paramsSet []string, verbosity int) *Summary {
	start := time.Now()
	text := must.M1(corpus.LoadFile(dataPath))

	// Checkpoints must be built before the model creates its variables, so they are loaded from it.
	var checkpoint *checkpoints.Handler
	var vocab *corpus.Vocabulary
	if checkpointPath != "" {
		numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			Dir(checkpointPath).
			Keep(numCheckpoints).
			ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
			Done())
		vocabPath := filepath.Join(checkpoint.Dir(), VocabularyFile)
		if _, err := os.Stat(vocabPath); err == nil {
			vocab = must.M1(corpus.LoadVocabulary(vocabPath))
		} else {
			vocab = corpus.BuildVocabulary(text)
			must.M(vocab.Save(vocabPath))
		}
	} else {
		vocab = corpus.BuildVocabulary(text)
	}
	ctx.SetParam(vrnn.ParamVocabSize, vocab.Size())
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	cfg := vrnn.ConfigFromContext(ctx)
	ids := must.M1(vocab.Encode(text))
	ds := must.M1(corpus.NewDataset(filepath.Base(dataPath), ids, cfg.BatchSize, cfg.SeqLength))

	backend := backends.MustNew()
	klog.V(1).Infof("backend: %s", backend.Description())
	model := must.M1(vrnn.New(backend, ctx, cfg))
	defer model.Finalize()

	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 50)
	decayRate := context.GetParamOr(ctx, ParamDecayRate, 0.97)
	saveEvery := context.GetParamOr(ctx, ParamSaveEvery, 1000)

	// Resume position.
	globalStep := int(must.M1(model.GlobalStep()))
	batchesPerEpoch := ds.NumBatches()
	startEpoch, skipBatches := globalStep/batchesPerEpoch, globalStep%batchesPerEpoch
	if globalStep > 0 {
		klog.Infof("resuming training at step %d (epoch %d, batch %d)", globalStep, startEpoch, skipBatches)
	}

	summary := &Summary{
		Corpus:         dataPath,
		VocabularySize: vocab.Size(),
		Epochs:         numEpochs,
		StartStep:      globalStep,
		BatchesEpoch:   batchesPerEpoch,
	}
	if checkpoint != nil {
		summary.CheckpointDir = checkpoint.Dir()
	}

	var bar *progressbar.ProgressBar
	totalSteps := numEpochs*batchesPerEpoch - globalStep
	if verbosity >= 1 && totalSteps > 0 {
		bar = progressbar.NewOptions(totalSteps,
			progressbar.OptionSetDescription("Training"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(os.Stdout),
		)
	}

	for epoch := startEpoch; epoch < numEpochs; epoch++ {
		learningRate := cfg.LearningRate * math.Pow(decayRate, float64(epoch))
		must.M(model.SetLearningRate(learningRate))
		summary.FinalLearningRate = learningRate

		ds.Reset()
		state := model.ZeroState()
		for batchIdx := 0; ; batchIdx++ {
			inputs, targets, err := ds.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				panic(errors.WithMessagef(err, "reading batch %d of epoch %d", batchIdx, epoch))
			}
			if epoch == startEpoch && batchIdx < skipBatches {
				// Batches already trained before the checkpoint. The recurrent state restarts from zero.
				inputs.FinalizeAll()
				targets.FinalizeAll()
				continue
			}
			result, err := model.TrainStep(inputs, targets, state)
			inputs.FinalizeAll()
			targets.FinalizeAll()
			if err != nil {
				panic(errors.WithMessagef(err, "train step at epoch %d, batch %d", epoch, batchIdx))
			}
			state.Finalize()
			state = result.FinalState
			globalStep++
			summary.Steps++
			summary.FinalCost, summary.FinalReconstruction, summary.FinalKL = result.Cost, result.Reconstruction, result.KL
			if math.IsNaN(result.Cost) || math.IsInf(result.Cost, 0) {
				panic(errors.Errorf("cost diverged to %g at step %d (epoch %d, batch %d)", result.Cost, globalStep, epoch, batchIdx))
			}

			if bar != nil {
				bar.Describe(fmt.Sprintf("Epoch %d/%d: cost=%.3f kl=%.3f", epoch+1, numEpochs, result.Cost, result.KL))
				_ = bar.Add(1)
			}
			klog.V(2).Infof("step %d: epoch=%d batch=%d cost=%.4f reconstruction=%.4f kl=%.4f grad_norm=%.3f",
				globalStep, epoch, batchIdx, result.Cost, result.Reconstruction, result.KL, result.GradientNorm)
			if checkpoint != nil && saveEvery > 0 && globalStep%saveEvery == 0 {
				must.M(checkpoint.Save())
				klog.V(1).Infof("checkpoint saved at step %d", globalStep)
			}
		}
		state.Finalize()
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if checkpoint != nil && summary.Steps > 0 {
		must.M(checkpoint.Save())
	}
	summary.NumParameters = model.NumParameters()
	summary.Elapsed = time.Since(start)
	return summary
}
