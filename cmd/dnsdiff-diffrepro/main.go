package main

import (
	"flag"

	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/cli"
	"github.com/dnsdiff/dnsdiff/database"
	"github.com/dnsdiff/dnsdiff/dataformat"
	"github.com/dnsdiff/dnsdiff/repro"
)

func main() {
	flags := &cli.Flags{}
	flags.Register()
	sequential := flag.Bool("sequential", false,
		"Send one query at a time (slower, but more reliable)")
	flag.Parse()
	flags.Setup("dnsdiff-diffrepro")
	cfg := flags.LoadConfig()

	report, err := dataformat.LoadReport(flags.Datafile)
	if err != nil {
		dlog.Fatalf("Unable to load the report from [%s]: %v", flags.Datafile, err)
	}

	env, err := database.Open(flags.Envdir, database.EnvOptions{ReadOnly: true})
	if err != nil {
		dlog.Fatal(err)
	}
	defer env.Close()
	if _, err := database.OpenMeta(env, cfg.Servers.Names, false); err != nil {
		dlog.Fatal(err)
	}

	verifier, err := repro.New(env, cfg, repro.Options{Sequential: *sequential})
	if err != nil {
		dlog.Fatal(err)
	}

	ctx, cancel := cli.SignalContext()
	defer cancel()
	runErr := verifier.Run(ctx, report)
	cli.SaveReport(report, flags.Datafile)
	if runErr != nil {
		dlog.Fatal(runErr)
	}
}
