package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/bids"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document to the object store, optionally attaching it to a submission",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		upload(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().String("bucket", "", "bucket name, overrides minio.bucket")
	uploadCmd.Flags().String("dest", "", "object name in the bucket (defaults to the file name)")
	uploadCmd.Flags().String("content-type", "", "content type (detected from the file name when empty)")
	uploadCmd.Flags().String("bid", "", "attach the uploaded object to this submission")
}

func upload(cmd *cobra.Command, file string) {
	ctx := context.Background()
	logger, config := setup()

	if bucket, _ := cmd.Flags().GetString("bucket"); bucket != "" {
		config.Minio.Bucket = bucket
	}
	dest, _ := cmd.Flags().GetString("dest")
	if dest == "" {
		dest = filepath.Base(file)
	}
	contentType, _ := cmd.Flags().GetString("content-type")

	objects, err := newObjectStore(config.Minio)
	if err != nil {
		logger.Fatal("creating the object store client", zap.Error(err))
	}

	created, err := objects.EnsureBucket(ctx)
	if err != nil {
		logger.Fatal("preparing the bucket", zap.Error(err))
	}
	if created {
		logger.Info("bucket created", zap.String("bucket", objects.Bucket()))
	}

	url, err := objects.Upload(ctx, file, dest, contentType)
	if err != nil {
		logger.Fatal("uploading", zap.Error(err))
	}
	logger.Info("uploaded", zap.String("file", file), zap.String("url", url))

	bidID, _ := cmd.Flags().GetString("bid")
	if bidID == "" {
		fmt.Println(url)
		return
	}

	st, err := openStore(ctx, config.Storage, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer st.Close()

	att := bids.Attachment{FileName: filepath.Base(dest), URL: url, UploadedAt: time.Now().UTC()}
	if err := st.AddSubmissionAttachment(ctx, bidID, att); err != nil {
		logger.Fatal("attaching to submission", zap.String("bid_id", bidID), zap.Error(err))
	}
	logger.Info("attached to submission", zap.String("bid_id", bidID))
	fmt.Println(url)
}
