// Command clickstats administers rollups, retention and rate limits
// against the same storage the server uses.
package main

import (
	"os"

	"github.com/warp/clickstats/cli"
)

func main() {
	if err := cli.Run(); err != nil {
		os.Exit(1)
	}
}
