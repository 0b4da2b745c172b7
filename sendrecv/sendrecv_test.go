package sendrecv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jedisct1/dlog"
	"github.com/miekg/dns"
	"github.com/powerman/check"

	"github.com/dnsdiff/dnsdiff/config"
	"github.com/dnsdiff/dnsdiff/database"
)

func TestMain(m *testing.M) {
	check.TestMain(m)
}

func init() {
	dlog.Init("sendrecv_test", dlog.SeverityError, "")
	dlog.UseSyslog(false)
}

func answeringHandler(ip string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR("example.com. 300 IN A " + ip)
		m.Answer = []dns.RR{rr}
		w.WriteMsg(m)
	}
}

func silentHandler() dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {}
}

func startUDPServer(t *check.C, handler dns.Handler) (*dns.Server, string) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	server := &dns.Server{PacketConn: pc, Handler: handler}
	go server.ActivateAndServe()
	return server, pc.LocalAddr().String()
}

func startTCPServer(t *check.C, handler dns.Handler) (*dns.Server, string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	t.Nil(err)
	server := &dns.Server{Listener: ln, Handler: handler}
	go server.ActivateAndServe()
	return server, ln.Addr().String()
}

func testQuery(t *check.C) []byte {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	wire, err := msg.Pack()
	t.Nil(err)
	return wire
}

func TestSendRecvParallelUDP(tt *testing.T) {
	t := check.T(tt)
	var resolvers []Resolver
	for i, ip := range []string{"192.0.2.1", "192.0.2.1", "192.0.2.1"} {
		server, addr := startUDPServer(t, answeringHandler(ip))
		defer server.Shutdown()
		resolvers = append(resolvers, Resolver{
			Name:      []string{"res1", "res2", "res3"}[i],
			Address:   addr,
			Transport: config.TransportUDP,
		})
	}

	client, err := NewClient(resolvers, Options{Timeout: 2 * time.Second})
	t.Nil(err)
	defer client.Close()

	replies, err := client.SendRecvParallel(testQuery(t))
	t.Nil(err)
	t.Len(replies, 3)
	for name, reply := range replies {
		t.False(reply.Timeout(), "resolver %s timed out", name)
		t.Must(len(reply.Wire) > 0)
		t.Must(reply.RTT > 0)
	}
}

func TestSendRecvParallelTCP(tt *testing.T) {
	t := check.T(tt)
	server, addr := startTCPServer(t, answeringHandler("192.0.2.7"))
	defer server.Shutdown()

	client, err := NewClient([]Resolver{
		{Name: "tcpres", Address: addr, Transport: config.TransportTCP},
	}, Options{Timeout: 2 * time.Second})
	t.Nil(err)
	defer client.Close()

	qwire := testQuery(t)
	replies, err := client.SendRecvParallel(qwire)
	t.Nil(err)
	reply := replies["tcpres"]
	t.False(reply.Timeout())

	resp := new(dns.Msg)
	t.Nil(resp.Unpack(reply.Wire))
	t.EQ(resp.Rcode, dns.RcodeSuccess)
	t.Len(resp.Answer, 1)
}

func TestTimeoutProducesSentinel(tt *testing.T) {
	t := check.T(tt)
	answering, addrA := startUDPServer(t, answeringHandler("192.0.2.1"))
	defer answering.Shutdown()
	silent, addrS := startUDPServer(t, silentHandler())
	defer silent.Shutdown()

	client, err := NewClient([]Resolver{
		{Name: "fast", Address: addrA, Transport: config.TransportUDP},
		{Name: "dead", Address: addrS, Transport: config.TransportUDP},
	}, Options{Timeout: 300 * time.Millisecond})
	t.Nil(err)
	defer client.Close()

	replies, err := client.SendRecvParallel(testQuery(t))
	t.Nil(err)
	t.False(replies["fast"].Timeout())
	t.True(replies["dead"].Timeout())
	t.EQ(replies["dead"].RTT, 300*time.Millisecond)
}

func TestTimeoutSentinelIsShared(tt *testing.T) {
	t := check.T(tt)
	first := timeoutReply(time.Second)
	second := timeoutReply(time.Second)
	t.DeepEqual(first, second)
	t.True(first.Timeout())
}

func TestConsecutiveTimeoutsFatal(tt *testing.T) {
	t := check.T(tt)
	silent, addr := startUDPServer(t, silentHandler())
	defer silent.Shutdown()

	client, err := NewClient([]Resolver{
		{Name: "dead", Address: addr, Transport: config.TransportUDP},
	}, Options{Timeout: 100 * time.Millisecond, MaxTimeouts: 2})
	t.Nil(err)
	defer client.Close()

	qwire := testQuery(t)
	_, err = client.SendRecvParallel(qwire)
	t.Nil(err)
	_, err = client.SendRecvParallel(qwire)
	t.Err(err, ErrTooManyTimeouts)
}

func TestIgnoreTimeouts(tt *testing.T) {
	t := check.T(tt)
	silent, addr := startUDPServer(t, silentHandler())
	defer silent.Shutdown()

	client, err := NewClient([]Resolver{
		{Name: "dead", Address: addr, Transport: config.TransportUDP},
	}, Options{Timeout: 100 * time.Millisecond, MaxTimeouts: 2, IgnoreTimeouts: true})
	t.Nil(err)
	defer client.Close()

	qwire := testQuery(t)
	for i := 0; i < 4; i++ {
		replies, err := client.SendRecvParallel(qwire)
		t.Nil(err)
		t.True(replies["dead"].Timeout())
	}
}

// staleThenValidUDPServer answers each query twice: first with a wrong
// transaction ID, then with the right one.
func staleThenValidUDPServer(t *check.C) (net.PacketConn, string) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	go func() {
		buf := make([]byte, MaxUDPPayloadSize)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			query := new(dns.Msg)
			if err := query.Unpack(buf[:n]); err != nil {
				continue
			}
			reply := new(dns.Msg)
			reply.SetReply(query)

			stale := reply.Copy()
			stale.Id = query.Id + 1
			staleWire, _ := stale.Pack()
			pc.WriteTo(staleWire, addr)

			validWire, _ := reply.Pack()
			pc.WriteTo(validWire, addr)
		}
	}()
	return pc, pc.LocalAddr().String()
}

// garbageUDPServer answers every datagram with a fixed junk payload.
func garbageUDPServer(t *check.C, payload []byte) (net.PacketConn, string) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	go func() {
		buf := make([]byte, MaxUDPPayloadSize)
		for {
			_, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(payload, addr)
		}
	}()
	return pc, pc.LocalAddr().String()
}

func TestTruncatedQueryWireEndsAsTimeout(tt *testing.T) {
	t := check.T(tt)
	pc, addr := garbageUDPServer(t, []byte{0xDE, 0xAD, 0xBE})
	defer pc.Close()

	client, err := NewClient([]Resolver{
		{Name: "noisy", Address: addr, Transport: config.TransportUDP},
	}, Options{Timeout: 200 * time.Millisecond})
	t.Nil(err)
	defer client.Close()

	// malformed queries are part of the corpus; a single stored byte has
	// no transaction ID to match replies against
	replies, err := client.SendRecvParallel([]byte{0x05})
	t.Nil(err)
	t.True(replies["noisy"].Timeout())
}

func TestTxidMatch(tt *testing.T) {
	t := check.T(tt)
	t.True(txidMatch([]byte{0x12, 0x34, 0x00}, []byte{0x12, 0x34}))
	t.False(txidMatch([]byte{0x12, 0x34}, []byte{0x12, 0x35}))
	t.False(txidMatch([]byte{0x12}, []byte{0x12, 0x34, 0x56}))
	t.False(txidMatch(nil, []byte{0x12, 0x34}))
	t.False(txidMatch([]byte{0x12, 0x34}, []byte{0x12}))
}

func TestStaleTransactionIDDiscarded(tt *testing.T) {
	t := check.T(tt)
	pc, addr := staleThenValidUDPServer(t)
	defer pc.Close()

	client, err := NewClient([]Resolver{
		{Name: "stale", Address: addr, Transport: config.TransportUDP},
	}, Options{Timeout: 2 * time.Second})
	t.Nil(err)
	defer client.Close()

	qwire := testQuery(t)
	replies, err := client.SendRecvParallel(qwire)
	t.Nil(err)
	reply := replies["stale"]
	t.False(reply.Timeout())
	t.EQ(reply.Wire[0], qwire[0])
	t.EQ(reply.Wire[1], qwire[1])
}

// oneShotTCPServer answers exactly one query per connection and then
// closes it, forcing the client through its reconnect path.
func oneShotTCPServer(t *check.C) (net.Listener, string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	t.Nil(err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var prefix [2]byte
				if _, err := readFull(conn, prefix[:]); err != nil {
					return
				}
				qwire := make([]byte, binary.BigEndian.Uint16(prefix[:]))
				if _, err := readFull(conn, qwire); err != nil {
					return
				}
				query := new(dns.Msg)
				if err := query.Unpack(qwire); err != nil {
					return
				}
				reply := new(dns.Msg)
				reply.SetReply(query)
				wire, _ := reply.Pack()
				out := make([]byte, 2+len(wire))
				binary.BigEndian.PutUint16(out[0:2], uint16(len(wire)))
				copy(out[2:], wire)
				conn.Write(out)
			}(conn)
		}
	}()
	return ln, ln.Addr().String()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}

func TestStreamReconnectAfterFIN(tt *testing.T) {
	t := check.T(tt)
	ln, addr := oneShotTCPServer(t)
	defer ln.Close()

	client, err := NewClient([]Resolver{
		{Name: "oneshot", Address: addr, Transport: config.TransportTCP},
	}, Options{Timeout: 2 * time.Second, ReinitOnStreamFIN: true})
	t.Nil(err)
	defer client.Close()

	qwire := testQuery(t)
	for i := 0; i < 3; i++ {
		replies, err := client.SendRecvParallel(qwire)
		t.Nil(err, "query %d", i)
		t.False(replies["oneshot"].Timeout(), "query %d", i)
	}
}

func TestPoolDispatchesAllTasks(tt *testing.T) {
	t := check.T(tt)
	server, addr := startUDPServer(t, answeringHandler("192.0.2.1"))
	defer server.Shutdown()

	pool := &Pool{
		Resolvers: []Resolver{{Name: "res1", Address: addr, Transport: config.TransportUDP}},
		Opts:      Options{Timeout: 2 * time.Second},
		Jobs:      4,
	}
	const total = 50
	tasks := make(chan Task, total)
	for qid := uint32(0); qid < total; qid++ {
		msg := new(dns.Msg)
		msg.SetQuestion("example.com.", dns.TypeA)
		msg.Id = uint16(qid + 1)
		wire, err := msg.Pack()
		t.Nil(err)
		tasks <- Task{Key: database.QIDToKey(qid), QueryWire: wire}
	}
	close(tasks)

	results := make(chan Result, total)
	errs := make(chan error, 1)
	go func() { errs <- pool.Run(context.Background(), tasks, results) }()

	seen := make(map[uint32]bool)
	for result := range results {
		qid, err := database.KeyToQID(result.Key)
		t.Nil(err)
		t.False(seen[qid])
		seen[qid] = true
		t.Len(result.Replies, 1)
	}
	t.Nil(<-errs)
	t.Len(seen, total)

	// every worker answered queries, so the pool knows the latency
	rtts := pool.AverageRTTs()
	t.Len(rtts, 1)
	t.True(rtts["res1"] > 0)
}

func TestPoolCancellation(tt *testing.T) {
	t := check.T(tt)
	server, addr := startUDPServer(t, answeringHandler("192.0.2.1"))
	defer server.Shutdown()

	pool := &Pool{
		Resolvers: []Resolver{{Name: "res1", Address: addr, Transport: config.TransportUDP}},
		Opts:      Options{Timeout: 2 * time.Second},
		Jobs:      2,
	}
	ctx, cancel := context.WithCancel(context.Background())
	tasks := make(chan Task) // unbuffered, never closed: only cancel stops the pool
	results := make(chan Result, 16)
	errs := make(chan error, 1)
	go func() { errs <- pool.Run(ctx, tasks, results) }()

	qwire := testQuery(t)
	tasks <- Task{Key: database.QIDToKey(0), QueryWire: qwire}
	<-results
	cancel()

	t.Nil(<-errs)
	_, open := <-results
	t.False(open)
}

func TestConnectFailureIsFatal(tt *testing.T) {
	t := check.T(tt)
	// closed port: nobody listens on the reserved TEST-NET address
	_, err := NewClient([]Resolver{
		{Name: "unreachable", Address: "127.0.0.1:1", Transport: config.TransportTCP},
	}, Options{Timeout: time.Second})
	t.NotNil(err)
}

func TestResolversFromConfigOrder(tt *testing.T) {
	t := check.T(tt)
	cfg := &config.Config{
		Servers: config.ServersConfig{Names: []string{"b", "a"}},
		Resolver: map[string]config.ServerConfig{
			"a": {IP: "127.0.0.1", Port: 53, Transport: "udp"},
			"b": {IP: "127.0.0.2", Port: 5353, Transport: "tls"},
		},
	}
	resolvers := ResolversFromConfig(cfg)
	t.Len(resolvers, 2)
	t.EQ(resolvers[0].Name, "b")
	t.EQ(resolvers[0].Address, "127.0.0.2:5353")
	t.EQ(resolvers[0].Transport, "tls")
	t.EQ(resolvers[1].Name, "a")
}

func TestIsConnErrClassification(tt *testing.T) {
	t := check.T(tt)
	t.False(isConnErr(errors.New("refused")))
	t.True(isConnErr(net.ErrClosed))
	t.True(isConnErr(fmt.Errorf("stream closed by peer: %w", io.EOF)))
	t.False(isTimeoutErr(net.ErrClosed))
}
