// Command orchestratord runs the workflow orchestrator as an HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Swind/go-workflow-orchestrator/config"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "orchestratord",
		Usage:   "priority and resource aware workflow scheduler",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"ORCH_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			configCommand(),
			demoCommand(),
		},
	}
}

// loadConfig reads the --config file over the defaults and applies the
// environment overrides.
func loadConfig(c *cli.Context) (*config.File, error) {
	f, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("load config: %v", err), 2)
	}
	return f, nil
}
