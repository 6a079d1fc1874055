package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/warpdl/warpmux/internal/history"
	"github.com/warpdl/warpmux/internal/reactor"
	"github.com/warpdl/warpmux/internal/server"
	"github.com/warpdl/warpmux/pkg/engine"
	"github.com/warpdl/warpmux/pkg/httpengine"
	"github.com/warpdl/warpmux/pkg/logger"
	"github.com/warpdl/warpmux/pkg/multiloop"
)

var version = "0.1.0"

var (
	port        int
	webAddr     string
	historyFile string
	noHistory   bool
)

func main() {
	app := cli.NewApp()
	app.Name = "warpmuxd"
	app.Version = version
	app.Usage = "transfer daemon exposing the coordinator over JSON-RPC"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:        "port, p",
			Usage:       "tcp fallback port when the socket transport is unavailable",
			EnvVar:      "WARPMUX_PORT",
			Value:       4320,
			Destination: &port,
		},
		cli.StringFlag{
			Name:        "web, w",
			Usage:       "also serve the rpc methods over websocket on this address",
			EnvVar:      "WARPMUX_WEB",
			Destination: &webAddr,
		},
		cli.StringFlag{
			Name:        "history",
			Usage:       "history database path",
			EnvVar:      "WARPMUX_HISTORY",
			Destination: &historyFile,
		},
		cli.BoolFlag{
			Name:        "no-history",
			Usage:       "do not record finished transfers",
			Destination: &noHistory,
		},
	}
	app.Action = daemon
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("warpmuxd: %s\n", err.Error())
		os.Exit(1)
	}
}

func daemon(_ *cli.Context) error {
	lg := logger.NewStandardLogger(log.New(os.Stderr, "", log.LstdFlags))
	defer lg.Close()

	r, err := reactor.New()
	if err != nil {
		return err
	}
	coord := multiloop.NewCoordinator(httpengine.New(lg), r, lg)

	var hist *history.Store
	if !noHistory {
		p := historyFile
		if p == "" {
			dir, err := os.UserCacheDir()
			if err != nil {
				return err
			}
			p = filepath.Join(dir, "warpmux", "history.db")
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		hist, err = history.Open(p)
		if err != nil {
			return err
		}
		defer hist.Close()
		lg.Info("recording history to %s", p)
	}

	srv := server.NewServer(lg, coord, buildConfig, &server.Options{
		Version: version,
		Port:    port,
		History: hist,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		lg.Info("received %s, shutting down", s)
		srv.Close()
	}()

	if webAddr != "" {
		go func() {
			if err := srv.ServeWeb(webAddr); err != nil {
				lg.Warning("web listener ended: %v", err)
			}
		}()
	}

	return srv.Serve()
}

// buildConfig maps an rpc start request onto http engine options.
func buildConfig(p *server.StartParams, sink io.Writer, progress func(received, total int64)) engine.Config {
	cfg := engine.Config{httpengine.OptURL: p.URL}
	if p.Method != "" {
		cfg[httpengine.OptMethod] = p.Method
	}
	if len(p.Headers) > 0 {
		cfg[httpengine.OptHeaders] = p.Headers
	}
	if sink != nil {
		cfg[httpengine.OptWriteTo] = sink
	}
	if progress != nil {
		cfg[httpengine.OptProgressFunc] = httpengine.ProgressFunc(progress)
	}
	if p.ConnectTimeout != "" {
		if d, err := time.ParseDuration(p.ConnectTimeout); err == nil {
			cfg[httpengine.OptConnectTimeout] = d
		} else {
			// Leave the raw value in place so the engine rejects the
			// config with ErrRejected and a clear message.
			cfg[httpengine.OptConnectTimeout] = p.ConnectTimeout
		}
	}
	return cfg
}
