// Package cli implements the command-line interface for s3zip.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eunmann/s3zip/internal/config"
	"github.com/eunmann/s3zip/internal/logctx"
	"github.com/eunmann/s3zip/pkg/blobstore"
	"github.com/eunmann/s3zip/pkg/fileutil"
	"github.com/eunmann/s3zip/pkg/job"
	"github.com/eunmann/s3zip/pkg/logging"
	"github.com/eunmann/s3zip/pkg/zipper"
)

const usage = "usage: s3zip <command> [options]\ncommands: zip, batch, strings, remote"

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	return run(context.Background(), args, os.Stdin, os.Stdout)
}

// app is the state shared by one invocation's commands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	stdin   io.Reader
	stdout  io.Writer

	// awsConfig is cached after the first load.
	awsConfig *aws.Config
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	a := &app{v: config.New(), stdin: stdin, stdout: stdout}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "s3zip",
		Short:         "Build ZIP archives from local or S3 folders and deliver them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ~/.config/s3zip/config.yaml)")
	pf.Bool("debug", false, "enable debug logging")
	pf.Bool("human", false, "human-readable console logs")
	pf.String("region", "", "AWS region")
	pf.String("bucket", "", "S3 bucket")
	pf.String("work-dir", "", "directory for in-progress archives")
	a.v.BindPFlag(config.KeyLogDebug, pf.Lookup("debug"))
	a.v.BindPFlag(config.KeyLogHuman, pf.Lookup("human"))
	a.v.BindPFlag(config.KeyAWSRegion, pf.Lookup("region"))
	a.v.BindPFlag(config.KeyAWSBucket, pf.Lookup("bucket"))
	a.v.BindPFlag(config.KeyWorkDir, pf.Lookup("work-dir"))

	root.AddCommand(a.zipCommand(), a.batchCommand(), a.stringsCommand(), a.remoteCommand())
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	for name, key := range commandFlagKeys {
		if fl := cmd.Flags().Lookup(name); fl != nil {
			if err := a.v.BindPFlag(key, fl); err != nil {
				return err
			}
		}
	}

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logging.Init(cfg.Debug, cfg.Human)
	logger := *logging.L()
	logctx.SetDefaultLogger(logger)
	cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

	if cfg.File != "" {
		logger.Debug().Str("file", cfg.File).Msg("loaded config")
	}
	return nil
}

// addArchiveFlags registers the flags shared by archive-building commands.
func addArchiveFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("compression", "", "entry compression: compress or store")
	f.String("conflict", "", "duplicate path policy: overwrite or skip")
	f.Int("deflate-level", 0, "deflate level (-2..9)")
	f.String("part-size", "", "multipart upload part size, e.g. 16MiB")
}

// commandFlagKeys maps per-command flags to config keys. They are bound for
// the executing command only, so commands sharing a flag name do not
// override each other.
var commandFlagKeys = map[string]string{
	"compression":   config.KeyZipCompression,
	"conflict":      config.KeyZipConflict,
	"deflate-level": config.KeyZipDeflateLevel,
	"part-size":     config.KeyUploadPartSize,
	"concurrency":   config.KeyConcurrency,
	"strategy":      config.KeyStringsStrategy,
}

func (a *app) loadAWS(ctx context.Context) (aws.Config, error) {
	if a.awsConfig != nil {
		return *a.awsConfig, nil
	}
	cfg, err := blobstore.LoadAWSConfig(ctx, blobstore.AWSOptions{
		Region:          a.cfg.AWS.Region,
		AccessKeyID:     a.cfg.AWS.AccessKeyID,
		SecretAccessKey: a.cfg.AWS.SecretAccessKey,
	})
	if err != nil {
		return aws.Config{}, err
	}
	a.awsConfig = &cfg
	return cfg, nil
}

// store opens the blob store for a prefix source: the local store rooted at
// dir when set, the configured S3 bucket otherwise.
func (a *app) store(ctx context.Context, dir string) (blobstore.Store, error) {
	if dir != "" {
		return blobstore.NewLocalStore(dir)
	}
	if a.cfg.AWS.Bucket == "" {
		return nil, errors.New("--bucket (or aws.bucket) is required for an S3 source")
	}
	cfg, err := a.loadAWS(ctx)
	if err != nil {
		return nil, err
	}
	return blobstore.NewS3StoreFromConfig(cfg, a.cfg.AWS.Bucket), nil
}

func (a *app) s3Destination(ctx context.Context, key string) (job.Destination, error) {
	if a.cfg.AWS.Bucket == "" {
		return job.Destination{}, errors.New("--bucket (or aws.bucket) is required for an S3 destination")
	}
	cfg, err := a.loadAWS(ctx)
	if err != nil {
		return job.Destination{}, err
	}
	return job.Destination{
		Kind:     job.DestS3,
		Uploader: newUploader(cfg),
		Bucket:   a.cfg.AWS.Bucket,
		Key:      key,
		PartSize: a.cfg.PartSize,
	}, nil
}

func (a *app) runner() *job.Runner {
	if _, err := fileutil.CleanupStaleTmpFiles(a.cfg.WorkDir, fileutil.DefaultStaleAge); err != nil {
		logging.L().Warn().Err(err).Str("dir", a.cfg.WorkDir).Msg("failed to clean work dir")
	}
	return job.NewRunner(a.cfg.WorkDir, zipper.WithDeflateLevel(a.cfg.Zip.DeflateLevel))
}

func (a *app) printReport(rep *job.Report) {
	fmt.Fprintf(a.stdout, "%s\t%s\t%d entries\t%d bytes\n", rep.Name, rep.Destination, rep.Entries, rep.ArchiveBytes)
}
