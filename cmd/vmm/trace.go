//go:build linux

package main

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/timeslice"
)

type traceCmd struct {
	sources   string
	first     int
	last      int
	timeslice bool
}

func (*traceCmd) Name() string     { return "trace" }
func (*traceCmd) Synopsis() string { return "print a debug trace or a timeslice summary" }
func (*traceCmd) Usage() string {
	return `trace [-source a,b] [-first n | -last n] <file>
trace -timeslice <file>:
  Prints the records of a debug trace in time order, or the per kind totals
  of a timeslice file.
`
}

func (t *traceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.sources, "source", "", "comma separated sources to keep")
	f.IntVar(&t.first, "first", 0, "print only the first n matching records")
	f.IntVar(&t.last, "last", 0, "print only the last n matching records")
	f.BoolVar(&t.timeslice, "timeslice", false, "read a timeslice file instead of a debug trace")
}

func (t *traceCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	var err error
	if t.timeslice {
		err = printTimeslice(os.Stdout, path)
	} else {
		filter := debug.Filter{First: t.first, Last: t.last}
		if t.sources != "" {
			filter.Sources = strings.Split(t.sources, ",")
		}
		err = printTrace(os.Stdout, path, filter)
	}
	if err != nil {
		return fatalf("trace: %v", err)
	}
	return subcommands.ExitSuccess
}

func printTrace(out io.Writer, path string, filter debug.Filter) error {
	rd, closer, err := debug.OpenReader(path)
	if err != nil {
		return err
	}
	defer closer.Close()

	return rd.Search(filter, func(e debug.Entry) error {
		_, err := fmt.Fprintln(out, e)
		return err
	})
}

func printTimeslice(out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	totals, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}

	// Longest total first.
	sorted := slices.SortedFunc(maps.Values(totals), func(a, b *timeslice.Total) int {
		if c := cmp.Compare(b.Duration, a.Duration); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "kind\tflags\tcount\ttotal\tavg\t")
	for _, t := range sorted {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t\n", t.Name, t.Flags, t.Count, t.Duration, t.Duration/time.Duration(t.Count))
	}
	return w.Flush()
}
