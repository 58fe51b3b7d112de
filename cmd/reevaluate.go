package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/evaluation"
	"github.com/spigell/bid-evaluator/internal/logger"
	"github.com/spigell/bid-evaluator/internal/store"
)

const (
	PromptAll  = "Re-evaluate all"
	PromptExit = "exit"
)

var reevaluateCmd = &cobra.Command{
	Use:   "reevaluate",
	Short: "Finish incomplete evaluations",
	Run: func(cmd *cobra.Command, _ []string) {
		reevaluate(cmd)
	},
}

func init() {
	rootCmd.AddCommand(reevaluateCmd)

	reevaluateCmd.Flags().BoolP("yes", "y", false, "re-evaluate every pending submission without asking")
	reevaluateCmd.Flags().IntP("limit", "l", 50, "maximum number of pending submissions to list")
	reevaluateCmd.Flags().Duration("older-than", 0, "only submissions submitted at least this long ago")
}

func reevaluate(cmd *cobra.Command) {
	ctx := context.Background()
	log, config := setup()

	st, err := openStore(ctx, config.Storage, log)
	if err != nil {
		log.Fatal("opening the store", zap.Error(err))
	}
	defer st.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	pending, err := st.ListPendingEvaluations(ctx, evaluation.DoneMarkers(), time.Now().Add(-olderThan), limit)
	if err != nil {
		log.Fatal("listing pending evaluations", zap.Error(err))
	}
	if len(pending) == 0 {
		log.Info("exiting", zap.String("reason", "no incomplete evaluations"))
		return
	}
	log.Info("found incomplete evaluations", zap.Int("count", len(pending)))

	gateway, err := newGateway(ctx, config.AI, log)
	if err != nil {
		log.Fatal("creating the model gateway", zap.Error(err))
	}
	executor := newExecutor(newOrchestrator(st, gateway, config, log), config.Scheduler, log, nil)

	run := func(ids []string) {
		for _, id := range ids {
			report, err := executor.RunNow(ctx, id)
			fields := logger.EvaluationFields(id, "")
			switch {
			case err != nil:
				log.Error("evaluation failed", append(fields, zap.Error(err))...)
			case report == nil:
				log.Warn("submission disappeared", fields...)
			default:
				log.Info("evaluation finished", append(fields,
					zap.Float64("aggregate", report.Aggregate),
					zap.Int("failed_stages", len(report.Failed())),
				)...)
			}
		}
	}

	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		run(pending)
		return
	}

	for len(pending) > 0 {
		items, err := pendingLabels(ctx, st, pending)
		if err != nil {
			log.Fatal("describing pending evaluations", zap.Error(err))
		}

		prompt := promptui.Select{
			Label: "Choose a submission and press ENTER",
			Items: append(append([]string{PromptAll}, items...), PromptExit),
			Size:  10,
		}

		idx, selected, err := prompt.Run()
		if err != nil {
			log.Fatal("exiting", zap.Error(err))
		}

		switch selected {
		case PromptExit:
			return
		case PromptAll:
			run(pending)
			return
		default:
			id := pending[idx-1]
			run([]string{id})
			pending = append(pending[:idx-1], pending[idx:]...)
		}
	}
}

func pendingLabels(ctx context.Context, st store.Submissions, ids []string) ([]string, error) {
	labels := make([]string, 0, len(ids))
	for _, id := range ids {
		sub, err := st.GetSubmission(ctx, id)
		if err != nil {
			return nil, err
		}

		done := 0
		for _, marker := range evaluation.DoneMarkers() {
			if sub.Evaluation.Has(marker) {
				done++
			}
		}
		labels = append(labels, fmt.Sprintf("%s / %s / %s / %d of %d stages",
			sub.BidID, sub.TenderID, sub.BidderName, done, len(evaluation.DoneMarkers()),
		))
	}
	return labels, nil
}
