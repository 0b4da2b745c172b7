// Package msgdiff compares every stored reply set and records the
// disagreements. Queries where all resolvers agree leave no trace in
// the diffs table; everything else is stored as a DiffRecord.
package msgdiff

import (
	"context"
	"fmt"
	"sync"

	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/config"
	"github.com/dnsdiff/dnsdiff/database"
	"github.com/dnsdiff/dnsdiff/dataformat"
	"github.com/dnsdiff/dnsdiff/match"
)

const commitEvery = 4096

// Engine computes diffs for one environment.
type Engine struct {
	env     *database.Env
	cfg     *config.Config
	factory *database.RepliesFactory
}

// New opens the answers table for reading and resets the diffs table:
// diffs are derived data and are recomputed from scratch on every run.
func New(env *database.Env, cfg *config.Config) (*Engine, error) {
	if err := env.OpenTable(database.TableAnswers, database.TableOptions{}); err != nil {
		return nil, err
	}
	if err := env.OpenTable(database.TableDiffs, database.TableOptions{
		Create: true,
		Drop:   true,
	}); err != nil {
		return nil, err
	}
	factory, err := database.NewRepliesFactory(cfg.Servers.Names)
	if err != nil {
		return nil, err
	}
	return &Engine{env: env, cfg: cfg, factory: factory}, nil
}

type diffOutcome struct {
	key  []byte
	blob []byte
	err  error
}

// Run streams the answers table through a comparison worker per job and
// writes the disagreeing outcomes. The write side is a single consumer.
func (engine *Engine) Run(ctx context.Context) error {
	entries, err := engine.env.StreamEntries(database.TableAnswers)
	if err != nil {
		return err
	}
	// a write error stops the workers the same way an interrupt does
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := engine.cfg.SendRecv.Jobs
	if jobs < 1 {
		jobs = 1
	}
	outcomes := make(chan diffOutcome, jobs)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range entries {
				blob, err := engine.diffOne(entry.Value)
				if err != nil {
					err = fmt.Errorf("query %x: %w", entry.Key, err)
				}
				select {
				case outcomes <- diffOutcome{key: entry.Key, blob: blob, err: err}:
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	total, stored, writeErr := engine.writeDiffs(outcomes)
	cancel()
	// drain so the streaming goroutine releases its read transaction;
	// a leaked one would block Close forever
	for range entries {
	}
	if writeErr != nil {
		return writeErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dlog.Noticef("Compared %d reply sets, %d disagreements", total, stored)
	return nil
}

// diffOne returns the encoded DiffRecord for one reply set, or nil when
// every resolver agreed and there is nothing to store.
func (engine *Engine) diffOne(blob []byte) ([]byte, error) {
	replies, err := engine.factory.Decode(blob)
	if err != nil {
		return nil, err
	}
	answers := make(map[string]match.Answer, len(replies))
	for name, reply := range replies {
		answers[name] = match.ParseWire(reply.Wire)
	}
	othersAgree, targetDiff, err := match.Compare(answers, engine.cfg.Diff.Criteria, engine.cfg.Diff.Target)
	if err != nil {
		return nil, err
	}
	if othersAgree && len(targetDiff) == 0 {
		return nil, nil
	}
	return EncodeDiffRecord(DiffRecord{OthersAgree: othersAgree, Fields: targetDiff}), nil
}

func (engine *Engine) writeDiffs(outcomes <-chan diffOutcome) (total, stored int, err error) {
	txn, err := engine.env.BeginWrite(database.TableDiffs)
	if err != nil {
		return 0, 0, err
	}
	pending := 0
	for outcome := range outcomes {
		if outcome.err != nil {
			txn.Rollback()
			return total, stored, outcome.err
		}
		total++
		if outcome.blob == nil {
			continue
		}
		if err := txn.Put(outcome.key, outcome.blob); err != nil {
			txn.Rollback()
			return total, stored, err
		}
		stored++
		pending++
		if pending >= commitEvery {
			if err := txn.Commit(); err != nil {
				return total, stored, err
			}
			pending = 0
			if txn, err = engine.env.BeginWrite(database.TableDiffs); err != nil {
				return total, stored, err
			}
		}
	}
	return total, stored, txn.Commit()
}

// Fold reads the diffs table back into the report: queries where the
// non-target resolvers disagreed among themselves go into the plain
// counter, everything else into the per-field disagreement index.
func Fold(env *database.Env, report *dataformat.DiffReport) error {
	if err := env.OpenTable(database.TableDiffs, database.TableOptions{}); err != nil {
		return err
	}
	counter := dataformat.NewDisagreementsCounter()
	disagreements := dataformat.NewDisagreements()
	entries, err := env.StreamEntries(database.TableDiffs)
	if err != nil {
		return err
	}
	for entry := range entries {
		qid, err := database.KeyToQID(entry.Key)
		if err != nil {
			return err
		}
		record, err := DecodeDiffRecord(entry.Value)
		if err != nil {
			return fmt.Errorf("query %d: %w", qid, err)
		}
		if !record.OthersAgree {
			counter.Add(qid)
			continue
		}
		for label, mismatch := range record.Fields {
			disagreements.AddMismatch(label, mismatch, qid)
		}
	}
	report.OtherDisagreements = counter
	report.TargetDisagreements = disagreements
	return nil
}
