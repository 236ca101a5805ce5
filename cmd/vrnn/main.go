// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vrnn trains a latent-LSTM variational recurrent network on a text corpus, one character per token.
//
// Example:
//
//	$ go run ./cmd/vrnn -data=~/data/tinyshakespeare.txt -checkpoint=~/tmp/vrnn_shakespeare \
//		-set="num_layers=2;latent_dimensions=128;num_epochs=50"
//
// Training resumes from the last checkpoint, if one exists in the -checkpoint directory.
// Use -set="..." to change hyperparameters, see the list of them with -help.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagData       = flag.String("data", "", "Text file with the training corpus. Required.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose. 0 disables the progress bar.")
)

func main() {
	ctx := CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagData == "" {
		klog.Fatal("-data is required, it must point to a text file")
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	var summary *Summary
	err := exceptions.TryCatch[error](func() {
		summary = TrainModel(ctx, *flagData, *flagCheckpoint, paramsSet, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
	if *flagVerbosity >= 1 {
		fmt.Println(summary.Render())
	}
}
