package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/eunmann/s3zip/pkg/headerstream"
)

func (a *app) stringsCommand() *cobra.Command {
	var storeDir string
	cmd := &cobra.Command{
		Use:   "strings <folder> [file...]",
		Short: "Write a sharedStrings.xml table from input lines",
		Long: "Write each input line (from the files, or stdin) as a shared string\n" +
			"into <folder>/sharedStrings.xml and correct the header counts on close.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx, storeDir)
			if err != nil {
				return err
			}
			table, err := headerstream.NewSharedStrings(ctx, store, args[0], a.cfg.StringsStrategy)
			if err != nil {
				return err
			}

			inputs := args[1:]
			if len(inputs) == 0 {
				if err := writeLines(cmd, table, a.stdin); err != nil {
					return err
				}
			}
			for _, path := range inputs {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				err = writeLines(cmd, table, f)
				f.Close()
				if err != nil {
					return err
				}
			}

			if err := table.Close(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s\t%d strings\n", table.Key(), table.Count())
			return nil
		},
	}
	cmd.Flags().StringVar(&storeDir, "store", "", "local directory to write into (default: S3 bucket)")
	cmd.Flags().String("strategy", "", "header correction: append or patch")
	return cmd
}

func writeLines(cmd *cobra.Command, table *headerstream.SharedStrings, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if _, err := table.WriteString(cmd.Context(), sc.Text()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}
