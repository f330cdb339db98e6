// Command pickledec decompiles a pickle stream on disk into Python-like
// pseudocode or JSON, using this repository's reference disassembler
// (internal/refdisasm) in place of a real host's own opcode decoder. It
// exists mainly so the library has a runnable demonstration: a real host
// (a binary analysis plugin, say) would wire pickledec.Decompile into its
// own Disassembler/ByteSource/Sink instead.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/doyensec/pickledec"
	"github.com/doyensec/pickledec/internal/refdisasm"
)

func main() {
	app := &cli.App{
		Name:      "pickledec",
		Usage:     "decompile a pickle stream into pseudocode or JSON",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "output format: pseudocode or json",
				Value: "pseudocode",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "byte offset within the file where the pickle stream starts",
			},
			&cli.BoolFlag{
				Name:  "continue-past-stop",
				Usage: "keep interpreting instructions after STOP instead of ending the run there",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log every instruction as it's interpreted",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one file argument is required", 2)
	}
	data, err := os.ReadFile(c.Args().Get(0))
	if err != nil {
		return err
	}

	cfg := pickledec.Config{
		Disasm:           refdisasm.New(),
		Src:              refdisasm.BytesSource(data),
		Log:              pickledec.StdLogger{},
		Offset:           c.Int("offset"),
		ContinuePastStop: c.Bool("continue-past-stop"),
		Verbose:          c.Bool("verbose"),
	}

	switch c.String("format") {
	case "json":
		cfg.Format = pickledec.FormatJSON
		cfg.JSON = newStreamJSONSink(os.Stdout)
	case "pseudocode", "":
		cfg.Format = pickledec.FormatPseudocode
		cfg.Sink = stdoutSink{}
	default:
		return cli.Exit(fmt.Sprintf("unknown format %q", c.String("format")), 2)
	}

	res, err := pickledec.Decompile(context.Background(), cfg)
	if err != nil {
		return err
	}
	if cfg.Format == pickledec.FormatJSON {
		fmt.Fprintln(os.Stdout)
	}
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "pickledec: warning: input stream was truncated")
	}
	return nil
}

// stdoutSink is the trivial pickledec.Sink backing pseudocode output.
type stdoutSink struct{}

func (stdoutSink) WriteString(s string) error {
	_, err := fmt.Fprint(os.Stdout, s)
	return err
}
