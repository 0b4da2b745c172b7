// Package sendrecv dispatches one query to every configured resolver in
// parallel and collects the replies within a deadline. Each worker owns
// its own Client with one socket per resolver; Clients are never shared.
package sendrecv

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"

	"github.com/dnsdiff/dnsdiff/config"
	"github.com/dnsdiff/dnsdiff/database"
)

const (
	// MaxUDPPayloadSize is the largest datagram we are willing to read.
	MaxUDPPayloadSize = 65535
	// MaxConnFailures bounds consecutive connection-level failures per
	// resolver before the run is aborted. Resolver restarts between
	// queries legitimately reset streams, so a couple of retries is
	// expected; persistent failure means the resolver is gone.
	MaxConnFailures = 3

	connectTimeout = 5 * time.Second
	rttEwmaDecay   = 10.0
)

var (
	ErrTooManyTimeouts     = errors.New("too many consecutive timeouts")
	ErrTooManyConnFailures = errors.New("too many consecutive connection failures")
)

// Resolver describes one upstream under test.
type Resolver struct {
	Name      string
	Address   string
	Transport string
}

// ResolversFromConfig flattens the per-server configuration into the
// declared resolver order.
func ResolversFromConfig(cfg *config.Config) []Resolver {
	resolvers := make([]Resolver, 0, len(cfg.Servers.Names))
	for _, name := range cfg.Servers.Names {
		server := cfg.Resolver[name]
		resolvers = append(resolvers, Resolver{
			Name:      name,
			Address:   server.Address(),
			Transport: server.Transport,
		})
	}
	return resolvers
}

// Options tune one Client.
type Options struct {
	// Timeout is the per-query reply deadline.
	Timeout time.Duration
	// MaxTimeouts is the consecutive-timeout count per resolver that
	// aborts the run. Zero means config.DefaultMaxTimeouts.
	MaxTimeouts int
	// IgnoreTimeouts disables the consecutive-timeout abort for
	// known-unstable resolvers.
	IgnoreTimeouts bool
	// ReinitOnStreamFIN reconnects a stream immediately after the peer
	// closes it instead of waiting for the next query.
	ReinitOnStreamFIN bool
	// DelayMin/DelayMax bound an optional artificial delay before each
	// query, for load-shaping during tests.
	DelayMin time.Duration
	DelayMax time.Duration
}

// resolverConn is the per-resolver connection state inside one Client.
type resolverConn struct {
	resolver Resolver
	conn     net.Conn
	isStream bool

	// consecutive counters; each is reset only by its own event type
	timeouts     int
	connFailures int

	rtt ewma.MovingAverage
}

// Client sends queries to a fixed resolver set over persistent sockets.
// A Client must only be used from a single goroutine.
type Client struct {
	conns []*resolverConn
	opts  Options
	rng   *rand.Rand
}

// NewClient connects to every resolver. Connection failures at startup
// are fatal: a misconfigured resolver list should not produce a run
// consisting entirely of timeouts.
func NewClient(resolvers []Resolver, opts Options) (*Client, error) {
	if opts.MaxTimeouts <= 0 {
		opts.MaxTimeouts = config.DefaultMaxTimeouts
	}
	client := &Client{
		opts: opts,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, resolver := range resolvers {
		rc := &resolverConn{
			resolver: resolver,
			isStream: resolver.Transport != config.TransportUDP,
			rtt:      ewma.NewMovingAverage(rttEwmaDecay),
		}
		if err := rc.connect(); err != nil {
			client.Close()
			return nil, err
		}
		client.conns = append(client.conns, rc)
	}
	return client, nil
}

func (rc *resolverConn) connect() error {
	var conn net.Conn
	var err error
	switch rc.resolver.Transport {
	case config.TransportUDP:
		conn, err = net.DialTimeout("udp", rc.resolver.Address, connectTimeout)
	case config.TransportTCP:
		conn, err = net.DialTimeout("tcp", rc.resolver.Address, connectTimeout)
	case config.TransportTLS:
		dialer := &net.Dialer{Timeout: connectTimeout}
		// resolvers under test are reached by bare IP, often with
		// throwaway certificates
		conn, err = tls.DialWithDialer(dialer, "tcp", rc.resolver.Address,
			&tls.Config{InsecureSkipVerify: true})
	default:
		err = fmt.Errorf("unsupported transport [%s]", rc.resolver.Transport)
	}
	if err != nil {
		return fmt.Errorf("unable to connect to resolver [%s] at %s: %w",
			rc.resolver.Name, rc.resolver.Address, err)
	}
	rc.conn = conn
	return nil
}

func (rc *resolverConn) closeConn() {
	if rc.conn != nil {
		rc.conn.Close()
		rc.conn = nil
	}
}

// Close tears down every resolver socket and logs the observed RTTs.
func (client *Client) Close() {
	for _, rc := range client.conns {
		if rc.rtt.Value() > 0 {
			dlog.Debugf("Resolver [%s]: average RTT %.2fms",
				rc.resolver.Name, rc.rtt.Value()*1000)
		}
		rc.closeConn()
	}
}

// RTTs returns the moving-average round-trip time per resolver, for
// resolvers that answered at least once.
func (client *Client) RTTs() map[string]time.Duration {
	rtts := make(map[string]time.Duration, len(client.conns))
	for _, rc := range client.conns {
		if v := rc.rtt.Value(); v > 0 {
			rtts[rc.resolver.Name] = time.Duration(v * float64(time.Second))
		}
	}
	return rtts
}

// timeout sentinel replies, shared across workers: one per distinct
// deadline rather than one per query
var (
	timeoutRepliesLock sync.Mutex
	timeoutReplies     = make(map[time.Duration]database.Reply)
)

func timeoutReply(deadline time.Duration) database.Reply {
	timeoutRepliesLock.Lock()
	defer timeoutRepliesLock.Unlock()
	reply, ok := timeoutReplies[deadline]
	if !ok {
		reply = database.TimeoutReply(deadline)
		timeoutReplies[deadline] = reply
	}
	return reply
}

type recvOutcome struct {
	index int
	reply database.Reply
	ok    bool
}

// SendRecvParallel sends qwire to every resolver and collects replies
// until the deadline. Resolvers that did not answer get the shared
// timeout sentinel. The error is non-nil only for fatal conditions:
// a resolver exceeding its consecutive-timeout budget or a connection
// that cannot be re-established.
func (client *Client) SendRecvParallel(qwire []byte) (map[string]database.Reply, error) {
	if client.opts.DelayMax > 0 {
		client.sleepRandomDelay()
	}
	deadline := time.Now().Add(client.opts.Timeout)

	outcomes := make(chan recvOutcome, len(client.conns))
	for i, rc := range client.conns {
		go func(i int, rc *resolverConn) {
			reply, ok := rc.query(qwire, deadline, client.opts.ReinitOnStreamFIN)
			outcomes <- recvOutcome{index: i, reply: reply, ok: ok}
		}(i, rc)
	}

	replies := make(map[string]database.Reply, len(client.conns))
	for range client.conns {
		outcome := <-outcomes
		rc := client.conns[outcome.index]
		if outcome.ok {
			replies[rc.resolver.Name] = outcome.reply
			rc.rtt.Add(outcome.reply.RTT.Seconds())
		} else {
			replies[rc.resolver.Name] = timeoutReply(client.opts.Timeout)
		}
	}
	if err := client.accountFailures(replies); err != nil {
		return nil, err
	}
	return replies, nil
}

func (client *Client) sleepRandomDelay() {
	span := client.opts.DelayMax - client.opts.DelayMin
	delay := client.opts.DelayMin
	if span > 0 {
		delay += time.Duration(client.rng.Int63n(int64(span)))
	}
	clocksmith.Sleep(delay)
}

// accountFailures updates the two independent per-resolver failure
// counters and escalates whichever crossed its budget.
func (client *Client) accountFailures(replies map[string]database.Reply) error {
	for _, rc := range client.conns {
		reply := replies[rc.resolver.Name]
		if reply.Timeout() {
			rc.timeouts++
			if !client.opts.IgnoreTimeouts && rc.timeouts >= client.opts.MaxTimeouts {
				return fmt.Errorf("%w: resolver [%s] timed out %d times in a row "+
					"(use -ignore-timeout to suppress this error)",
					ErrTooManyTimeouts, rc.resolver.Name, rc.timeouts)
			}
		} else {
			rc.timeouts = 0
		}
		if rc.connFailures >= MaxConnFailures {
			return fmt.Errorf("%w: resolver [%s] at %s",
				ErrTooManyConnFailures, rc.resolver.Name, rc.resolver.Address)
		}
	}
	return nil
}

// query performs one send/receive exchange with a single resolver,
// transparently reconnecting and resending after a connection-level
// failure while the deadline allows.
func (rc *resolverConn) query(qwire []byte, deadline time.Time, reinitOnFIN bool) (database.Reply, bool) {
	for {
		if time.Now().After(deadline) {
			return database.Reply{}, false
		}
		if rc.conn == nil {
			if err := rc.connect(); err != nil {
				dlog.Warnf("%v", err)
				rc.connFailures++
				if rc.connFailures >= MaxConnFailures {
					return database.Reply{}, false
				}
				continue
			}
		}
		reply, err := rc.exchange(qwire, deadline)
		switch {
		case err == nil:
			rc.connFailures = 0
			return reply, true
		case isTimeoutErr(err):
			// not an error: the sentinel is filled in by the caller
			return database.Reply{}, false
		case isConnErr(err):
			dlog.Debugf("Resolver [%s]: connection failure, reconnecting: %v",
				rc.resolver.Name, err)
			rc.closeConn()
			rc.connFailures++
			if rc.connFailures >= MaxConnFailures {
				return database.Reply{}, false
			}
			if !reinitOnFIN && rc.isStream {
				// leave the socket down; the next query reconnects
				return database.Reply{}, false
			}
		default:
			dlog.Warnf("Resolver [%s]: receive failed: %v", rc.resolver.Name, err)
			return database.Reply{}, false
		}
	}
}

// exchange sends one message and reads replies until the transaction ID
// matches. Stale answers from earlier queries are discarded.
func (rc *resolverConn) exchange(qwire []byte, deadline time.Time) (database.Reply, error) {
	start := time.Now()
	if err := rc.conn.SetDeadline(deadline); err != nil {
		return database.Reply{}, err
	}
	if err := rc.send(qwire); err != nil {
		return database.Reply{}, err
	}
	for {
		wire, err := rc.recvMsg()
		if err != nil {
			return database.Reply{}, err
		}
		if !txidMatch(qwire, wire) {
			// wrong transaction ID, probably a delayed answer
			continue
		}
		return database.Reply{Wire: wire, RTT: time.Since(start)}, nil
	}
}

// txidMatch reports whether the reply echoes the query's transaction ID.
// Stored queries may be arbitrarily short; one without a full ID cannot
// be matched, so every reply to it is discarded and the attempt ends as
// a timeout.
func txidMatch(qwire, wire []byte) bool {
	return len(qwire) >= 2 && len(wire) >= 2 && wire[0] == qwire[0] && wire[1] == qwire[1]
}

func (rc *resolverConn) send(qwire []byte) error {
	buf := qwire
	if rc.isStream {
		// RFC 1035 section 4.2.2 length prefix
		buf = make([]byte, 2+len(qwire))
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(qwire)))
		copy(buf[2:], qwire)
	}
	_, err := rc.conn.Write(buf)
	return err
}

// recvMsg reads exactly one DNS message. For stream transports, failing
// to read the full 2-byte length prefix means the peer closed the stream,
// which is a connection failure rather than "no data yet".
func (rc *resolverConn) recvMsg() ([]byte, error) {
	if !rc.isStream {
		buf := make([]byte, MaxUDPPayloadSize)
		n, err := rc.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	var prefix [2]byte
	if _, err := io.ReadFull(rc.conn, prefix[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("stream closed by peer: %w", err)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint16(prefix[:])
	wire := make([]byte, length)
	if _, err := io.ReadFull(rc.conn, wire); err != nil {
		return nil, err
	}
	return wire, nil
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
