package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <bid-id>",
	Short: "Evaluate one submission now and print the report",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		evaluate(args[0])
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}

func evaluate(bidID string) {
	ctx := context.Background()
	logger, config := setup()

	st, err := openStore(ctx, config.Storage, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer st.Close()

	gateway, err := newGateway(ctx, config.AI, logger)
	if err != nil {
		logger.Fatal("creating the model gateway", zap.Error(err))
	}

	executor := newExecutor(newOrchestrator(st, gateway, config, logger), config.Scheduler, logger, nil)
	report, err := executor.RunNow(ctx, bidID)
	if err != nil {
		logger.Fatal("evaluation failed", zap.String("bid_id", bidID), zap.Error(err))
	}
	if report == nil {
		logger.Fatal("submission not found", zap.String("bid_id", bidID))
	}

	pretty, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(pretty))

	if len(report.Failed()) > 0 {
		st.Close()
		os.Exit(1)
	}
}
