// Package repro re-issues previously diverging queries to separate
// stable failures from flaky ones. Between batches the configured
// resolver restart scripts are run so every attempt starts from a cold
// cache.
package repro

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/exec"
	"sync"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/config"
	"github.com/dnsdiff/dnsdiff/database"
	"github.com/dnsdiff/dnsdiff/dataformat"
	"github.com/dnsdiff/dnsdiff/match"
	"github.com/dnsdiff/dnsdiff/sendrecv"
)

// Options tune one verification pass.
type Options struct {
	// Sequential sends one query at a time. Slower, but the only fully
	// reliable mode when restart scripts affect shared resolver state.
	Sequential bool
}

// Verifier re-dispatches disagreeing queries and updates their
// reproduction counters. One Run adds one retry to every processed query.
type Verifier struct {
	env            *database.Env
	cfg            *config.Config
	jobs           int
	restartScripts map[string]string
	rng            *rand.Rand
}

func New(env *database.Env, cfg *config.Config, opts Options) (*Verifier, error) {
	if err := env.OpenTable(database.TableQueries, database.TableOptions{}); err != nil {
		return nil, err
	}
	jobs := cfg.SendRecv.Jobs
	if opts.Sequential || jobs < 1 {
		jobs = 1
	}
	return &Verifier{
		env:            env,
		cfg:            cfg,
		jobs:           jobs,
		restartScripts: RestartScripts(cfg),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// RestartScripts collects the per-resolver restart scripts. Resolvers
// without one keep their cache across retries, which weakens the
// verification, so the gap is called out.
func RestartScripts(cfg *config.Config) map[string]string {
	scripts := make(map[string]string)
	for _, name := range cfg.Servers.Names {
		script := cfg.Resolver[name].RestartScript
		if script == "" {
			dlog.Warnf("No restart script available for resolver [%s]", name)
			continue
		}
		scripts[name] = script
	}
	return scripts
}

// restartResolver runs one restart script. A failing restart means a
// possibly stale cache for the next attempt, which is far cheaper than
// losing the batch, so failure never aborts the run.
func restartResolver(script string) {
	if err := exec.Command(script).Run(); err != nil {
		dlog.Warnf("Resolver restart failed: %s: %v", script, err)
	}
}

type reproTask struct {
	qid   dataformat.QID
	qwire []byte
}

type reproResult struct {
	qid     dataformat.QID
	replies map[string]database.Reply
	err     error
}

// Run performs one retry for every query still worth verifying and
// updates the counters in the report. The caller persists the report.
func (verifier *Verifier) Run(ctx context.Context, report *dataformat.DiffReport) error {
	if report.TargetDisagreements == nil {
		return fmt.Errorf("report does not contain target disagreements, run the diff stage first")
	}
	if report.ReproData == nil {
		report.ReproData = dataformat.ReproData{}
	}
	tasks, err := verifier.queryStream(report)
	if err != nil {
		return err
	}

	done := 0
	for start := 0; start < len(tasks); start += verifier.jobs {
		if ctx.Err() != nil {
			dlog.Noticef("Interrupted, %d of %d queries processed", done, len(tasks))
			return nil
		}
		end := start + verifier.jobs
		if end > len(tasks) {
			end = len(tasks)
		}
		batch := tasks[start:end]

		// cold caches before every batch
		for _, script := range verifier.restartScripts {
			restartResolver(script)
		}
		for _, result := range verifier.dispatchBatch(batch) {
			if result.err != nil {
				return result.err
			}
			if err := verifier.processAnswers(result.qid, result.replies, report); err != nil {
				return err
			}
		}
		done += len(batch)
		dlog.Noticef("Processed %4d queries", done)
	}
	return nil
}

// queryStream builds the shuffled work list: disagreeing queries minus
// those already known unstable and those that already failed to
// reproduce. Shuffling breaks up the original query order so resolver
// cache effects do not correlate across retries.
func (verifier *Verifier) queryStream(report *dataformat.DiffReport) ([]reproTask, error) {
	qids := report.TargetDisagreements.QIDs()
	verifier.rng.Shuffle(len(qids), func(i, j int) {
		qids[i], qids[j] = qids[j], qids[i]
	})

	tasks := make([]reproTask, 0, len(qids))
	for _, qid := range qids {
		var counter dataformat.ReproCounter
		if existing := report.ReproData[qid]; existing != nil {
			counter = *existing
		}
		if counter.Retries != counter.UpstreamStable {
			dlog.Debugf("Skipping query %7d: unstable upstream", qid)
			continue
		}
		if counter.Retries != counter.Verified {
			dlog.Debugf("Skipping query %7d: not fully reproducible", qid)
			continue
		}
		qwire, err := verifier.env.Get(database.TableQueries, database.QIDToKey(qid))
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				dlog.Warnf("Query %d missing from the queries table", qid)
				continue
			}
			return nil, err
		}
		tasks = append(tasks, reproTask{qid: qid, qwire: qwire})
	}
	return tasks, nil
}

// dispatchBatch sends one query per worker, each over a fresh socket
// set: the restarts that just ran have invalidated any previous
// connection.
func (verifier *Verifier) dispatchBatch(batch []reproTask) []reproResult {
	resolvers := sendrecv.ResolversFromConfig(verifier.cfg)
	opts := sendrecv.Options{
		Timeout:           verifier.cfg.SendRecv.Timeout(),
		MaxTimeouts:       verifier.cfg.SendRecv.MaxTimeouts,
		ReinitOnStreamFIN: true,
	}
	results := make([]reproResult, len(batch))
	var wg sync.WaitGroup
	for i, task := range batch {
		wg.Add(1)
		go func(i int, task reproTask) {
			defer wg.Done()
			results[i] = reproResult{qid: task.qid}
			client, err := sendrecv.NewClient(resolvers, opts)
			if err != nil {
				results[i].err = err
				return
			}
			defer client.Close()
			replies, err := client.SendRecvParallel(task.qwire)
			if err != nil {
				results[i].err = err
				return
			}
			results[i].replies = replies
		}(i, task)
	}
	wg.Wait()
	return results
}

// processAnswers applies one retry outcome to the query's counter.
func (verifier *Verifier) processAnswers(qid dataformat.QID, replies map[string]database.Reply, report *dataformat.DiffReport) error {
	answers := make(map[string]match.Answer, len(replies))
	for name, reply := range replies {
		answers[name] = match.ParseWire(reply.Wire)
	}
	othersAgree, mismatches, err := match.Compare(answers, verifier.cfg.Diff.Criteria, verifier.cfg.Diff.Target)
	if err != nil {
		return err
	}

	counter := report.ReproData.Counter(qid)
	counter.Retries++
	if othersAgree {
		counter.UpstreamStable++
		newDiff := dataformat.Diff(mismatches)
		if newDiff.Equal(report.TargetDisagreements.DiffForQID(qid)) {
			counter.Verified++
		}
	}
	if err := counter.Validate(); err != nil {
		return fmt.Errorf("reproduction counter for query %d: %w", qid, err)
	}
	return nil
}
