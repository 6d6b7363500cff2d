package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/eunmann/s3zip/pkg/blobstore"
	"github.com/eunmann/s3zip/pkg/job"
	"github.com/eunmann/s3zip/pkg/zipper"
)

// Manifest lists the jobs of a batch.
type Manifest struct {
	Jobs []ManifestJob `json:"jobs"`
}

// ManifestJob is one job in a batch manifest. Dir selects a local source and
// Prefix a store source. Out writes a local file, otherwise the archive is
// uploaded under Key (default <name>.zip). Empty modes use the configured
// defaults.
type ManifestJob struct {
	Name        string `json:"name"`
	Dir         string `json:"dir,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	Out         string `json:"out,omitempty"`
	Key         string `json:"key,omitempty"`
	Compression string `json:"compression,omitempty"`
	Conflict    string `json:"conflict,omitempty"`
}

// ReadManifest decodes a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Jobs) == 0 {
		return nil, fmt.Errorf("manifest %s has no jobs", path)
	}
	return &m, nil
}

func (a *app) batchCommand() *cobra.Command {
	var storeDir string
	cmd := &cobra.Command{
		Use:   "batch <manifest.json>",
		Short: "Build and deliver the archives listed in a manifest concurrently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := ReadManifest(args[0])
			if err != nil {
				return err
			}
			jobs, err := a.manifestJobs(ctx, m, storeDir)
			if err != nil {
				return err
			}
			reports, runErr := a.runner().RunBatch(ctx, jobs, a.cfg.Concurrency)
			for _, rep := range reports {
				if rep != nil {
					a.printReport(rep)
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&storeDir, "store", "", "local directory serving as the store for prefix sources (default: S3 bucket)")
	cmd.Flags().Int("concurrency", 0, "jobs to run at once")
	addArchiveFlags(cmd)
	return cmd
}

func (a *app) manifestJobs(ctx context.Context, m *Manifest, storeDir string) ([]job.Job, error) {
	var store blobstore.Store
	jobs := make([]job.Job, 0, len(m.Jobs))
	for i, mj := range m.Jobs {
		j := job.Job{
			Name:        mj.Name,
			Compression: a.cfg.Zip.Compression,
			Conflict:    a.cfg.Zip.Conflict,
		}
		var err error
		if mj.Compression != "" {
			if j.Compression, err = zipper.ParseCompressionMode(mj.Compression); err != nil {
				return nil, fmt.Errorf("job %d: %w", i, err)
			}
		}
		if mj.Conflict != "" {
			if j.Conflict, err = zipper.ParseConflictMode(mj.Conflict); err != nil {
				return nil, fmt.Errorf("job %d: %w", i, err)
			}
		}

		switch {
		case mj.Dir != "" && mj.Prefix != "":
			return nil, fmt.Errorf("job %d: dir and prefix are mutually exclusive", i)
		case mj.Dir != "":
			j.Source = job.Source{LocalDir: mj.Dir}
		case mj.Prefix != "":
			if store == nil {
				if store, err = a.store(ctx, storeDir); err != nil {
					return nil, err
				}
			}
			j.Source = job.Source{Store: store, Prefix: mj.Prefix}
		default:
			return nil, fmt.Errorf("job %d: dir or prefix is required", i)
		}

		if mj.Out != "" {
			if mj.Key != "" {
				return nil, fmt.Errorf("job %d: out and key are mutually exclusive", i)
			}
			j.Destination = job.Destination{Kind: job.DestFile, Path: mj.Out}
		} else {
			if j.Destination, err = a.s3Destination(ctx, mj.Key); err != nil {
				return nil, fmt.Errorf("job %d: %w", i, err)
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
