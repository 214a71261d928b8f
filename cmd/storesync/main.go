// Command storesync mirrors orders and customers of many stores into a
// local, searchable index.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/storesync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "storesync:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
