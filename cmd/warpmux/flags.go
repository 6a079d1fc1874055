package main

import "github.com/urfave/cli"

var (
	outputDir      string
	connectTimeout string
	totalTimeout   string
	quiet          bool
	historyPath    string
	historyLimit   int
)

var fetchFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "output-dir, d",
		Usage:       "directory where fetched bodies are saved",
		Value:       ".",
		Destination: &outputDir,
	},
	cli.StringFlag{
		Name:        "connect-timeout, c",
		Usage:       "per-transfer connection timeout (Go duration)",
		EnvVar:      "WARPMUX_CONNECT_TIMEOUT",
		Value:       "30s",
		Destination: &connectTimeout,
	},
	cli.StringFlag{
		Name:        "timeout, t",
		Usage:       "overall deadline after which pending transfers are cancelled",
		Destination: &totalTimeout,
	},
	cli.BoolFlag{
		Name:        "quiet, q",
		Usage:       "disable progress bars",
		Destination: &quiet,
	},
}

var historyFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "file",
		Usage:       "history database path",
		EnvVar:      "WARPMUX_HISTORY",
		Destination: &historyPath,
	},
	cli.IntFlag{
		Name:        "limit, n",
		Usage:       "number of entries to show",
		Value:       20,
		Destination: &historyLimit,
	},
}
