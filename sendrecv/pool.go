package sendrecv

import (
	"context"
	"sync"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/database"
)

// Task is one query to dispatch: its database key and raw wire message.
type Task struct {
	Key       []byte
	QueryWire []byte
}

// Result is the collected reply set for one task.
type Result struct {
	Key     []byte
	Replies map[string]database.Reply
}

// Pool runs a fixed number of workers, each owning an exclusive Client.
// Workers pull from a shared task channel, so queries are dispatched in
// whatever order workers become free; per-query results carry their key.
type Pool struct {
	Resolvers []Resolver
	Opts      Options
	Jobs      int

	rttLock  sync.Mutex
	rttSum   map[string]time.Duration
	rttCount map[string]int
}

// Run consumes tasks until the channel is drained, the context is
// canceled, or a worker hits a fatal dispatch error. The results channel
// is closed when all workers have stopped. The first fatal error is
// returned; context cancellation is not an error (partial results are
// preferable to none).
func (pool *Pool) Run(ctx context.Context, tasks <-chan Task, results chan<- Result) error {
	// the first fatal error stops every worker, not just the one that hit it
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	fatal := make(chan error, pool.Jobs)

	for worker := 0; worker < pool.Jobs; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			client, err := NewClient(pool.Resolvers, pool.Opts)
			if err != nil {
				fatal <- err
				cancel()
				return
			}
			defer client.Close()
			defer func() { pool.recordRTTs(client.RTTs()) }()
			for {
				select {
				case <-ctx.Done():
					dlog.Noticef("Worker %d interrupted, flushing partial results", worker)
					return
				case task, ok := <-tasks:
					if !ok {
						return
					}
					replies, err := client.SendRecvParallel(task.QueryWire)
					if err != nil {
						fatal <- err
						cancel()
						return
					}
					select {
					case results <- Result{Key: task.Key, Replies: replies}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(worker)
	}

	wg.Wait()
	close(results)
	select {
	case err := <-fatal:
		return err
	default:
		return nil
	}
}

func (pool *Pool) recordRTTs(rtts map[string]time.Duration) {
	pool.rttLock.Lock()
	defer pool.rttLock.Unlock()
	if pool.rttSum == nil {
		pool.rttSum = make(map[string]time.Duration)
		pool.rttCount = make(map[string]int)
	}
	for name, rtt := range rtts {
		pool.rttSum[name] += rtt
		pool.rttCount[name]++
	}
}

// AverageRTTs returns the mean round-trip time per resolver, averaged
// over the workers that got at least one answer from it. Only complete
// once Run has returned.
func (pool *Pool) AverageRTTs() map[string]time.Duration {
	pool.rttLock.Lock()
	defer pool.rttLock.Unlock()
	avgs := make(map[string]time.Duration, len(pool.rttSum))
	for name, sum := range pool.rttSum {
		avgs[name] = sum / time.Duration(pool.rttCount[name])
	}
	return avgs
}
