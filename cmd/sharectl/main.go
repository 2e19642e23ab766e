package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/hive-corporation/intelcommons/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.DialGRPC).Execute(); err != nil {
		if !errors.Is(err, cli.ErrThreatsFound) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
