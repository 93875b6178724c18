// appfoundry is the admin CLI for the AppFoundry control plane.
package main

import (
	"os"

	"github.com/appfoundry/appfoundry/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}
