package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eunmann/s3zip/pkg/zipservice"
)

func (a *app) remoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remote <folder> <zip-to>",
		Short: "Ask the remote zip service to archive a bucket folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.ZipService.UserKey == "" || a.cfg.ZipService.UserSecret == "" {
				return errors.New("zipservice.user_key and zipservice.user_secret are required")
			}
			if a.cfg.AWS.Bucket == "" {
				return errors.New("--bucket (or aws.bucket) is required")
			}
			client := zipservice.NewClient(zipservice.Config{
				BaseURL:    a.cfg.ZipService.BaseURL,
				UserKey:    a.cfg.ZipService.UserKey,
				UserSecret: a.cfg.ZipService.UserSecret,
				AWSKey:     a.cfg.AWS.AccessKeyID,
				AWSSecret:  a.cfg.AWS.SecretAccessKey,
				AWSRegion:  a.cfg.AWS.Region,
				AWSBucket:  a.cfg.AWS.Bucket,
			})
			res := client.Run(cmd.Context(), args[0], args[1])
			if !res.OK() {
				return fmt.Errorf("remote zip (%s): %w", res.Stage, res.Err)
			}
			fmt.Fprintf(a.stdout, "%s\n", res.Payload)
			return nil
		},
	}
}
