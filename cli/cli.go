// Package cli carries the flag handling, logging setup and report
// persistence shared by all the tools in the suite.
package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/config"
	"github.com/dnsdiff/dnsdiff/dataformat"
)

// ReportFileName is the default report location inside the environment
// directory.
const ReportFileName = "report.json"

// Flags are the options every tool accepts.
type Flags struct {
	ConfigFile string
	Envdir     string
	Datafile   string
	LogLevel   int
	LogFile    string
}

// Register binds the shared flags to the default flag set. The caller
// adds its tool-specific flags and then calls flag.Parse.
func (flags *Flags) Register() {
	flag.StringVar(&flags.ConfigFile, "c", "dnsdiff.toml", "Path to the configuration file")
	flag.StringVar(&flags.Envdir, "envdir", "", "Path to the database environment directory")
	flag.StringVar(&flags.Datafile, "datafile", "", "Path to the JSON report (default <envdir>/"+ReportFileName+")")
	flag.IntVar(&flags.LogLevel, "loglevel", int(dlog.SeverityNotice), "Log level (0-6, lower is more verbose)")
	flag.StringVar(&flags.LogFile, "logfile", "", "Write logs to this file instead of the standard output")
}

// Setup initializes logging and validates the shared flags. It must run
// after flag.Parse.
func (flags *Flags) Setup(appName string) {
	dlog.Init(appName, dlog.SeverityNotice, "DAEMON")
	if flags.LogLevel >= int(dlog.SeverityDebug) && flags.LogLevel <= int(dlog.SeverityFatal) {
		dlog.SetLogLevel(dlog.Severity(flags.LogLevel))
	}
	dlog.UseSyslog(false)
	if flags.LogFile != "" {
		dlog.UseLogFile(flags.LogFile)
	}
	if flags.Envdir == "" {
		dlog.Fatal("The -envdir option is required")
	}
	if flags.Datafile == "" {
		flags.Datafile = filepath.Join(flags.Envdir, ReportFileName)
	}
}

// LoadConfig reads the configuration named by -c.
func (flags *Flags) LoadConfig() *config.Config {
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		dlog.Fatal(err)
	}
	return cfg
}

// SignalContext returns a context cancelled by SIGINT or SIGTERM, so an
// operator abort lets the current batch drain and the report flush
// before the process exits.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// SaveReport persists the report, keeping whatever was computed so far
// even when the stage that produced it failed.
func SaveReport(report *dataformat.DiffReport, datafile string) {
	if report == nil {
		return
	}
	if err := report.Save(datafile); err != nil {
		dlog.Errorf("Unable to save the report to [%s]: %v", datafile, err)
		return
	}
	dlog.Noticef("Report saved to [%s]", datafile)
}
