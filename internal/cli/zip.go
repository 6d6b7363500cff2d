package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/eunmann/s3zip/pkg/job"
)

type zipFlags struct {
	dir      string
	prefix   string
	storeDir string
	out      string
	stdout   bool
	key      string
}

func (a *app) zipCommand() *cobra.Command {
	var f zipFlags
	cmd := &cobra.Command{
		Use:   "zip <name>",
		Short: "Archive one folder and deliver it",
		Long: "Archive a local directory (--dir) or a store folder (--prefix) and deliver the\n" +
			"archive to a file (--out), stdout (--stdout) or S3 (--s3-key).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			j, err := a.zipJob(cmd, args[0], f)
			if err != nil {
				return err
			}
			rep, err := a.runner().Run(ctx, j)
			if err != nil {
				return err
			}
			if !f.stdout {
				a.printReport(rep)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.dir, "dir", "", "local directory to archive")
	fl.StringVar(&f.prefix, "prefix", "", "store folder to archive")
	fl.StringVar(&f.storeDir, "store", "", "local directory serving as the store for --prefix (default: S3 bucket)")
	fl.StringVar(&f.out, "out", "", "write the archive to this file")
	fl.BoolVar(&f.stdout, "stdout", false, "write the archive to stdout")
	fl.StringVar(&f.key, "s3-key", "", "upload the archive to this key in the bucket")
	addArchiveFlags(cmd)
	return cmd
}

func (a *app) zipJob(cmd *cobra.Command, name string, f zipFlags) (job.Job, error) {
	ctx := cmd.Context()
	j := job.Job{
		Name:        name,
		Compression: a.cfg.Zip.Compression,
		Conflict:    a.cfg.Zip.Conflict,
	}

	switch {
	case f.dir != "" && f.prefix != "":
		return j, errors.New("--dir and --prefix are mutually exclusive")
	case f.dir != "":
		j.Source = job.Source{LocalDir: f.dir}
	case f.prefix != "":
		store, err := a.store(ctx, f.storeDir)
		if err != nil {
			return j, err
		}
		j.Source = job.Source{Store: store, Prefix: f.prefix}
	default:
		return j, errors.New("--dir or --prefix is required")
	}

	set := 0
	for _, on := range []bool{f.out != "", f.stdout, f.key != ""} {
		if on {
			set++
		}
	}
	if set != 1 {
		return j, errors.New("exactly one of --out, --stdout or --s3-key is required")
	}
	switch {
	case f.out != "":
		j.Destination = job.Destination{Kind: job.DestFile, Path: f.out}
	case f.stdout:
		j.Destination = job.Destination{Kind: job.DestStream, Writer: a.stdout}
	default:
		d, err := a.s3Destination(ctx, f.key)
		if err != nil {
			return j, err
		}
		j.Destination = d
	}
	return j, nil
}
