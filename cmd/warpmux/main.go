package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "warpmux"
	app.Version = version
	app.Usage = "perform many concurrent transfers on one event loop"
	app.Commands = []cli.Command{
		{
			Name:      "fetch",
			Aliases:   []string{"f"},
			Usage:     "fetch one or more urls concurrently",
			ArgsUsage: "<url> [url...]",
			Flags:     fetchFlags,
			Action:    fetch,
		},
		{
			Name:   "history",
			Usage:  "show recently finished transfers",
			Flags:  historyFlags,
			Action: showHistory,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("warpmux: %s\n", err.Error())
		os.Exit(1)
	}
}
