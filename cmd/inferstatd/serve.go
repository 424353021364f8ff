package main

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/continuum-infer/batchd/internal/block"
	"github.com/continuum-infer/batchd/internal/config"
	"github.com/continuum-infer/batchd/internal/engine"
	"github.com/continuum-infer/batchd/internal/httpapi"
	"github.com/continuum-infer/batchd/internal/manager"
	"github.com/continuum-infer/batchd/internal/schedule"
	"github.com/continuum-infer/batchd/internal/step"
)

func newServeCmd() *cobra.Command {
	var models []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the batch scheduler and HTTP front end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(models)
		},
	}
	cmd.Flags().StringSliceVar(&models, "model", nil, "model name(s) requests may target")
	return cmd
}

func runServe(models []string) error {
	tensorParaSize := config.TensorParaSize()
	blockSize := config.BlockSize()

	// Synthesized memory figures stand in for a real device query — this
	// repo has no cgo binding to an actual accelerator (spec non-goal).
	eng := engine.New(tensorParaSize,
		64<<30, 48<<30, // device total/free
		256<<30, 192<<30, // host total/free
	)

	mgr := block.NewManager(block.ManagerConfig{
		BlockSize:                 blockSize,
		BlockTokenNum:             config.BlockTokenNum(),
		BlocksNum:                 config.BlocksNum(),
		HostBlocksNum:             config.HostBlocksNum(),
		ReservedDeviceMemoryRatio: config.ReservedDeviceMemoryRatio(),
		BlockDeviceMemoryRatio:    config.BlockDeviceMemoryRatio(),
		BlockHostMemoryFactor:     config.BlockHostMemoryFactor(),
	}, eng)
	mgr.WarmUp()
	if err := mgr.Resize(); err != nil {
		slog.Warn("initial capacity resize failed, keeping warm-up pool size", "err", err)
	}

	sched := schedule.New(schedule.Config{
		MaxBatchSize:       config.MaxBatchSize(),
		MaxTokenLen:        config.MaxTokenLen(),
		MaxStepTokens:      config.MaxStepTokens(),
		MaxWaitingQueueLen: config.MaxWaitingQueueLen(),
		BlockTokenNum:      config.BlockTokenNum(),
	}, mgr, tensorParaSize)

	driver := step.New(config.NumLayer(), noopForward)

	mm := manager.New(sched, mgr, driver, eng, manager.Greedy, config.MaxInFlight(), models)
	mm.Start()
	defer mm.Stop()

	srv := httpapi.New(mm, sched, tensorParaSize)

	addr := config.Addr()
	slog.Info("listening", "addr", addr)
	return http.ListenAndServe(addr, srv.Handler())
}

// noopForward is the default forward-pass collaborator: it produces a
// zeroed logits vector per request. Wiring a real transformer forward
// pass is out of scope (spec.md §1 excludes kernel math) — this keeps the
// server runnable end to end without one.
func noopForward(ctx *engine.Context, rank int, tables step.Tables) ([][]float32, error) {
	_ = ctx
	_ = rank
	n := len(tables.InputOffsetInt32) - 1
	if n < 0 {
		n = 0
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, 1)
	}
	return out, nil
}
