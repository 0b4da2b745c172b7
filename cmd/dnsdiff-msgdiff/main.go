package main

import (
	"flag"

	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/cli"
	"github.com/dnsdiff/dnsdiff/database"
	"github.com/dnsdiff/dnsdiff/dataformat"
	"github.com/dnsdiff/dnsdiff/msgdiff"
)

func main() {
	flags := &cli.Flags{}
	flags.Register()
	flag.Parse()
	flags.Setup("dnsdiff-msgdiff")
	cfg := flags.LoadConfig()

	env, err := database.Open(flags.Envdir, database.EnvOptions{FastUnsafe: true})
	if err != nil {
		dlog.Fatal(err)
	}
	defer env.Close()
	meta, err := database.OpenMeta(env, cfg.Servers.Names, false)
	if err != nil {
		dlog.Fatal(err)
	}

	engine, err := msgdiff.New(env, cfg)
	if err != nil {
		dlog.Fatal(err)
	}

	ctx, cancel := cli.SignalContext()
	defer cancel()
	runErr := engine.Run(ctx)

	report := statsReport(env, meta)
	if runErr == nil {
		runErr = msgdiff.Fold(env, report)
	}
	cli.SaveReport(report, flags.Datafile)
	if runErr != nil {
		dlog.Fatal(runErr)
	}
}

// statsReport rebuilds the run statistics from the environment, so the
// report is complete even when the collection stage's report was lost.
func statsReport(env *database.Env, meta *database.Meta) *dataformat.DiffReport {
	report := &dataformat.DiffReport{}
	if start, ok := meta.ReadStartTime(); ok {
		unix := start.Unix()
		report.StartTime = &unix
	}
	if end, ok := meta.ReadEndTime(); ok {
		unix := end.Unix()
		report.EndTime = &unix
	}
	if err := env.OpenTable(database.TableQueries, database.TableOptions{}); err == nil {
		if count, err := env.Count(database.TableQueries); err == nil {
			report.TotalQueries = &count
		}
	}
	if count, err := env.Count(database.TableAnswers); err == nil {
		report.TotalAnswers = &count
	}
	return report
}
