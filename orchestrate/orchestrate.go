// Package orchestrate drives the full measurement pass: it reads every
// stored query, dispatches it to all configured resolvers through the
// worker pool, and records one reply set per query in the answers table.
package orchestrate

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedisct1/dlog"
	"github.com/miekg/dns"

	"github.com/dnsdiff/dnsdiff/config"
	"github.com/dnsdiff/dnsdiff/database"
	"github.com/dnsdiff/dnsdiff/dataformat"
	"github.com/dnsdiff/dnsdiff/sendrecv"
	"github.com/dnsdiff/dnsdiff/skiplist"
)

// answers regenerate from queries, so batches may be lost on a crash
// without losing anything irreplaceable
const commitEvery = 4096

const progressEvery = 10000

// Options tune one orchestration run.
type Options struct {
	// IgnoreTimeouts relaxes the consecutive-timeout fatal policy.
	IgnoreTimeouts bool
	// QueryLog, when set, receives one line per processed query with the
	// per-resolver round-trip times.
	QueryLog io.Writer
}

// Orchestrator owns the storage handles and dispatch configuration for
// one run over the queries table.
type Orchestrator struct {
	env  *database.Env
	cfg  *config.Config
	opts Options
	skip *skiplist.List
}

// New prepares an orchestration run: the answers table must not hold
// data already (a previous run is never silently overwritten), and the
// resolver list recorded in meta must match the configuration.
func New(env *database.Env, cfg *config.Config, opts Options) (*Orchestrator, error) {
	if err := env.OpenTable(database.TableQueries, database.TableOptions{}); err != nil {
		return nil, err
	}
	if err := env.OpenTable(database.TableAnswers, database.TableOptions{
		Create:       true,
		FailIfExists: true,
	}); err != nil {
		return nil, err
	}
	return &Orchestrator{
		env:  env,
		cfg:  cfg,
		opts: opts,
		skip: skiplist.New(cfg.Skip.Domains),
	}, nil
}

// Run dispatches every query and returns the run statistics as a report
// fragment. Cancelling the context abandons the remaining queries but
// still commits replies collected so far: partial results are preferable
// to none.
func (orch *Orchestrator) Run(ctx context.Context) (*dataformat.DiffReport, error) {
	meta, err := database.OpenMeta(orch.env, orch.cfg.Servers.Names, true)
	if err != nil {
		return nil, err
	}
	startTime := time.Now()
	if err := meta.WriteStartTime(startTime); err != nil {
		return nil, err
	}

	runErr := orch.dispatchAll(ctx)

	endTime := time.Now()
	if err := meta.WriteEndTime(endTime); err != nil && runErr == nil {
		runErr = err
	}
	report, err := orch.buildReport(startTime, endTime)
	if err != nil && runErr == nil {
		runErr = err
	}
	return report, runErr
}

func (orch *Orchestrator) dispatchAll(ctx context.Context) error {
	pool := &sendrecv.Pool{
		Resolvers: sendrecv.ResolversFromConfig(orch.cfg),
		Opts: sendrecv.Options{
			Timeout:        orch.cfg.SendRecv.Timeout(),
			MaxTimeouts:    orch.cfg.SendRecv.MaxTimeouts,
			IgnoreTimeouts: orch.opts.IgnoreTimeouts,
			DelayMin:       time.Duration(orch.cfg.SendRecv.TimeDelayMinMs) * time.Millisecond,
			DelayMax:       time.Duration(orch.cfg.SendRecv.TimeDelayMaxMs) * time.Millisecond,
		},
		Jobs: orch.cfg.SendRecv.Jobs,
	}

	// a fatal dispatch error stops the workers; cancelling here unblocks
	// the producer so it does not wedge on the tasks channel
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan sendrecv.Task, pool.Jobs)
	results := make(chan sendrecv.Result, pool.Jobs)

	produceErr := make(chan error, 1)
	go func() {
		produceErr <- orch.produceTasks(ctx, tasks)
		close(tasks)
	}()

	poolErr := make(chan error, 1)
	go func() {
		poolErr <- pool.Run(ctx, tasks, results)
	}()

	writeErr := orch.writeAnswers(results)

	cancel()
	if err := <-poolErr; err != nil {
		return err
	}
	if err := <-produceErr; err != nil {
		return err
	}
	orch.logAverageRTTs(pool.AverageRTTs())
	return writeErr
}

// logAverageRTTs reports the observed per-resolver latency in the
// declared resolver order.
func (orch *Orchestrator) logAverageRTTs(rtts map[string]time.Duration) {
	for _, name := range orch.cfg.Servers.Names {
		if rtt, ok := rtts[name]; ok {
			dlog.Noticef("Resolver [%s]: average RTT %.2fms",
				name, float64(rtt)/float64(time.Millisecond))
		}
	}
}

// produceTasks streams the queries table into the work queue, leaving
// out queries whose qname is on the skip list.
func (orch *Orchestrator) produceTasks(ctx context.Context, tasks chan<- sendrecv.Task) error {
	entries, err := orch.env.StreamEntries(database.TableQueries)
	if err != nil {
		return err
	}
	skipped := 0
	for entry := range entries {
		if domain, ok := orch.skipQuery(entry.Value); ok {
			skipped++
			dlog.Debugf("Skipping query matching skip-list entry [%s]", domain)
			continue
		}
		select {
		case tasks <- sendrecv.Task{Key: entry.Key, QueryWire: entry.Value}:
		case <-ctx.Done():
			// drain so the streaming goroutine can finish
			for range entries {
			}
			return nil
		}
	}
	if skipped > 0 {
		dlog.Noticef("Skipped %d queries matching the skip list", skipped)
	}
	return nil
}

func (orch *Orchestrator) skipQuery(qwire []byte) (string, bool) {
	if orch.skip.Empty() {
		return "", false
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(qwire); err != nil || len(msg.Question) == 0 {
		// malformed queries are part of the corpus on purpose
		return "", false
	}
	return orch.skip.Match(msg.Question[0].Name)
}

// writeAnswers is the single consumer of the result channel: one writer,
// batched commits, replies encoded in the configured resolver order.
func (orch *Orchestrator) writeAnswers(results <-chan sendrecv.Result) error {
	factory, err := database.NewRepliesFactory(orch.cfg.Servers.Names)
	if err != nil {
		return err
	}
	txn, err := orch.env.BeginWrite(database.TableAnswers)
	if err != nil {
		return err
	}
	written := 0
	pending := 0
	for result := range results {
		blob, err := factory.Encode(result.Replies)
		if err != nil {
			txn.Rollback()
			return err
		}
		if err := txn.Put(result.Key, blob); err != nil {
			txn.Rollback()
			return err
		}
		if orch.opts.QueryLog != nil {
			orch.logQuery(result.Key, result.Replies)
		}
		written++
		pending++
		if pending >= commitEvery {
			if err := txn.Commit(); err != nil {
				return err
			}
			pending = 0
			if txn, err = orch.env.BeginWrite(database.TableAnswers); err != nil {
				return err
			}
		}
		if written%progressEvery == 0 {
			dlog.Noticef("Processed %d queries", written)
		}
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	dlog.Noticef("Collected %d reply sets", written)
	return nil
}

func (orch *Orchestrator) logQuery(key []byte, replies map[string]database.Reply) {
	qid, err := database.KeyToQID(key)
	if err != nil {
		return
	}
	var line strings.Builder
	fmt.Fprintf(&line, "%d", qid)
	for _, name := range orch.cfg.Servers.Names {
		reply := replies[name]
		if reply.Timeout() {
			fmt.Fprintf(&line, "\t%s=timeout", name)
		} else {
			fmt.Fprintf(&line, "\t%s=%.3fms", name, float64(reply.RTT.Microseconds())/1000)
		}
	}
	line.WriteByte('\n')
	io.WriteString(orch.opts.QueryLog, line.String())
}

// buildReport assembles the statistics fragment this stage contributes
// to the report document.
func (orch *Orchestrator) buildReport(startTime, endTime time.Time) (*dataformat.DiffReport, error) {
	totalQueries, err := orch.env.Count(database.TableQueries)
	if err != nil {
		return nil, err
	}
	totalAnswers, err := orch.env.Count(database.TableAnswers)
	if err != nil {
		return nil, err
	}
	start := startTime.Unix()
	end := endTime.Unix()
	report := &dataformat.DiffReport{
		StartTime:    &start,
		EndTime:      &end,
		TotalQueries: &totalQueries,
		TotalAnswers: &totalAnswers,
	}
	if totalAnswers < totalQueries {
		dlog.Warnf("Only %d of %d queries produced reply sets", totalAnswers, totalQueries)
	}
	return report, nil
}

// CheckQueries verifies that the environment holds queries before
// dispatch starts, so a missing or foreign database fails with a clear
// message instead of an empty run.
func CheckQueries(env *database.Env) error {
	count, err := env.Count(database.TableQueries)
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("queries table is empty, nothing to dispatch")
	}
	return nil
}
