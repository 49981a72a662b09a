package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect the effective configuration",
		Subcommands: []*cli.Command{
			{
				Name:   "print",
				Usage:  "Print the configuration after defaults and environment overrides",
				Action: configPrintAction,
			},
			{
				Name:   "validate",
				Usage:  "Exit non-zero when the configuration is invalid",
				Action: configValidateAction,
			},
		},
	}
}

func configPrintAction(c *cli.Context) error {
	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := f.YAML()
	if err != nil {
		return cli.Exit(fmt.Sprintf("render config: %v", err), 1)
	}
	_, err = c.App.Writer.Write(out)
	return err
}

func configValidateAction(c *cli.Context) error {
	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	if _, err := f.CoreConfig(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 2)
	}
	fmt.Fprintln(c.App.Writer, "configuration is valid")
	return nil
}
