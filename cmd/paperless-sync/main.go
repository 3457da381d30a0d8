// Command paperless-sync keeps an offline cache of a document server in
// sync and uploads queued scans when the server is reachable.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderFail("Error:"), err)
		os.Exit(1)
	}
}
