package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/warpdl/warpmux/internal/history"
)

// defaultHistoryPath is where the daemon keeps the transfer log.
func defaultHistoryPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "warpmux", "history.db"), nil
}

func showHistory(ctx *cli.Context) error {
	p := historyPath
	if p == "" {
		var err error
		p, err = defaultHistoryPath()
		if err != nil {
			return err
		}
	}
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("no history at %s", p)
	}
	store, err := history.Open(p)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tCODE\tBYTES\tDURATION\tURL\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			e.FinishedAt.Format("2006-01-02 15:04:05"),
			e.Code, e.Bytes, e.Duration.Round(1e6), e.URL, e.Error)
	}
	return w.Flush()
}
