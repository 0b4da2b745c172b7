package main

import (
	"flag"

	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/cli"
	"github.com/dnsdiff/dnsdiff/database"
	"github.com/dnsdiff/dnsdiff/orchestrate"
)

func main() {
	flags := &cli.Flags{}
	flags.Register()
	ignoreTimeout := flag.Bool("ignore-timeout", false,
		"Do not abort when a resolver keeps timing out")
	queryLog := flag.String("querylog", "",
		"Write per-query round-trip times to this file")
	flag.Parse()
	flags.Setup("dnsdiff-orchestrator")
	cfg := flags.LoadConfig()

	// answers can be regenerated from the queries, so the extra
	// durability of synchronous writes buys nothing here
	env, err := database.Open(flags.Envdir, database.EnvOptions{FastUnsafe: true})
	if err != nil {
		dlog.Fatal(err)
	}
	defer env.Close()

	opts := orchestrate.Options{IgnoreTimeouts: *ignoreTimeout}
	if *queryLog != "" {
		opts.QueryLog = cli.Logger(*queryLog)
	}
	orch, err := orchestrate.New(env, cfg, opts)
	if err != nil {
		dlog.Fatal(err)
	}
	if err := orchestrate.CheckQueries(env); err != nil {
		dlog.Fatal(err)
	}

	ctx, cancel := cli.SignalContext()
	defer cancel()
	report, runErr := orch.Run(ctx)
	cli.SaveReport(report, flags.Datafile)
	if runErr != nil {
		dlog.Fatal(runErr)
	}
}
