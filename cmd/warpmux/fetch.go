package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/warpdl/warpmux/internal/reactor"
	"github.com/warpdl/warpmux/pkg/engine"
	"github.com/warpdl/warpmux/pkg/httpengine"
	"github.com/warpdl/warpmux/pkg/logger"
	"github.com/warpdl/warpmux/pkg/multiloop"
)

func fetch(ctx *cli.Context) error {
	urls := ctx.Args()
	if len(urls) == 0 {
		return cli.ShowCommandHelp(ctx, "fetch")
	}

	lg := logger.NewStandardLogger(log.New(os.Stderr, "", log.LstdFlags))
	defer lg.Close()

	r, err := reactor.New()
	if err != nil {
		return err
	}
	coord := multiloop.NewCoordinator(httpengine.New(lg), r, lg)
	defer coord.Close()

	awaitCtx := context.Background()
	if totalTimeout != "" {
		d, err := time.ParseDuration(totalTimeout)
		if err != nil {
			return fmt.Errorf("invalid --timeout: %w", err)
		}
		var cancel context.CancelFunc
		awaitCtx, cancel = context.WithTimeout(awaitCtx, d)
		defer cancel()
	}
	connTimeout, err := time.ParseDuration(connectTimeout)
	if err != nil {
		return fmt.Errorf("invalid --connect-timeout: %w", err)
	}

	var p *mpb.Progress
	if !quiet {
		p = mpb.New(mpb.WithWidth(64))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []string
	)
	for i, rawURL := range urls {
		name := outputName(rawURL, i)
		f, err := os.Create(filepath.Join(outputDir, name))
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}

		var progress httpengine.ProgressFunc
		var bar *mpb.Bar
		if p != nil {
			bar = newBar(p, name)
			progress = func(received, total int64) {
				if total > 0 {
					bar.SetTotal(total, false)
				}
				bar.SetCurrent(received)
			}
		}

		cfg := engine.Config{
			httpengine.OptURL:            rawURL,
			httpengine.OptWriteTo:        io.Writer(f),
			httpengine.OptConnectTimeout: connTimeout,
		}
		if progress != nil {
			cfg[httpengine.OptProgressFunc] = progress
		}

		op, err := coord.Perform(multiloop.NewTransfer(cfg))
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			if bar != nil {
				bar.Abort(true)
			}
			mu.Lock()
			failures = append(failures, fmt.Sprintf("%s: %v", rawURL, err))
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(rawURL string, f *os.File, bar *mpb.Bar) {
			defer wg.Done()
			out, err := op.Await(awaitCtx)
			f.Close()
			if err != nil {
				os.Remove(f.Name())
				if bar != nil {
					bar.Abort(true)
				}
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", rawURL, err))
				mu.Unlock()
				return
			}
			if bar != nil {
				bar.SetTotal(out.BytesReceived, true)
			}
			if quiet {
				fmt.Printf("%s: %d (%d bytes)\n", rawURL, out.Code, out.BytesReceived)
			}
		}(rawURL, f, bar)
	}

	wg.Wait()
	if p != nil {
		p.Wait()
	}
	if len(failures) > 0 {
		for _, f := range failures {
			fmt.Fprintln(os.Stderr, "warpmux:", f)
		}
		return errors.New("some transfers failed")
	}
	return nil
}

// newBar creates one progress bar per transfer.
func newBar(p *mpb.Progress, name string) *mpb.Bar {
	barStyle := mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟")
	return p.New(0,
		barStyle,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
			decor.AverageSpeed(decor.SizeB1024(0), " % .2f"),
		),
	)
}

// outputName derives a local file name from the url, falling back to
// an indexed name for bare paths.
func outputName(rawURL string, idx int) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
		if u.Host != "" {
			return fmt.Sprintf("%s-%d.html", u.Hostname(), idx+1)
		}
	}
	return fmt.Sprintf("transfer-%d.out", idx+1)
}
