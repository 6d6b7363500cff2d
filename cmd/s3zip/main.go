// Command s3zip builds ZIP archives from local or S3 folders and delivers
// them to files, stdout or S3.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/s3zip/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
