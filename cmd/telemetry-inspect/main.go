package main

import (
	"context"
	"fmt"
	"os"

	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/inspect"
	"github.com/spf13/pflag"
)

// exitIncomplete is returned when the delivered batches have gaps,
// overlaps or corrupt payloads.
const exitIncomplete = 2

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	var logPath, spoolPath string
	var skipDecode bool

	flagSet := pflag.NewFlagSet("telemetry-inspect", pflag.ContinueOnError)
	flagSet.StringVar(&logPath, "file", "", "file transport log to inspect")
	flagSet.StringVar(&spoolPath, "sqlite", "", "sqlite spool database to inspect")
	flagSet.BoolVar(&skipDecode, "no-decode", false, "check envelopes only, without inflating payloads")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  telemetry-inspect (--file PATH | --sqlite PATH) [flags]\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 1, err
	}

	batches, err := inspect.Load(context.Background(), logPath, spoolPath)
	if err != nil {
		return 1, err
	}

	report := inspect.Summarize(batches, !skipDecode)
	if _, err := report.WriteTo(os.Stdout); err != nil {
		return 1, err
	}

	if !report.Complete() {
		return exitIncomplete, nil
	}
	return 0, nil
}
