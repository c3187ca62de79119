// tether validates entity models, prints commit plans and saves entity
// graphs described in YAML.
//
//	tether validate model.yaml
//	tether plan model.yaml graph.yaml
//	tether save --schema schema.sql model.yaml graph.yaml
package main

import (
	"fmt"
	"os"

	"github.com/syssam/tether/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
