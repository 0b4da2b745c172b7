package repro

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/jedisct1/dlog"
	"github.com/miekg/dns"
	"github.com/powerman/check"

	"github.com/dnsdiff/dnsdiff/config"
	"github.com/dnsdiff/dnsdiff/database"
	"github.com/dnsdiff/dnsdiff/dataformat"
	"github.com/dnsdiff/dnsdiff/match"
)

func TestMain(m *testing.M) {
	check.TestMain(m)
}

func init() {
	dlog.Init("repro_test", dlog.SeverityError, "")
	dlog.UseSyslog(false)
}

func startMockResolver(t *check.C, rcode int) (*dns.Server, string) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	t.Nil(err)
	server := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(
		func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			m.Rcode = rcode
			w.WriteMsg(m)
		})}
	go server.ActivateAndServe()
	return server, pc.LocalAddr().String()
}

func reproConfig(t *check.C, addrs map[string]string) *config.Config {
	names := []string{"other1", "other2", "target"}
	cfg := &config.Config{
		SendRecv: config.SendRecvConfig{TimeoutMs: 2000, Jobs: 2},
		Servers:  config.ServersConfig{Names: names},
		Diff:     config.DiffConfig{Target: "target", Criteria: []string{"rcode"}},
		Resolver: make(map[string]config.ServerConfig),
	}
	for _, name := range names {
		host, port, err := net.SplitHostPort(addrs[name])
		t.Nil(err)
		portNum, err := strconv.Atoi(port)
		t.Nil(err)
		cfg.Resolver[name] = config.ServerConfig{IP: host, Port: portNum, Transport: config.TransportUDP}
	}
	return cfg
}

func seedQuery(t *check.C) *database.Env {
	env, err := database.Open(t.TempDir(), database.EnvOptions{Create: true})
	t.Nil(err)
	t.Nil(env.OpenTable(database.TableQueries, database.TableOptions{Create: true}))
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	wire, err := msg.Pack()
	t.Nil(err)
	t.Nil(env.Put(database.TableQueries, database.QIDToKey(0), wire))
	return env
}

// reportWithDiff fabricates the report state left behind by the diff
// stage: one query where the target disagreed on rcode.
func reportWithDiff(expected, got string) *dataformat.DiffReport {
	disagreements := dataformat.NewDisagreements()
	disagreements.AddMismatch("rcode", match.Mismatch{Expected: expected, Got: got}, 0)
	return &dataformat.DiffReport{TargetDisagreements: disagreements}
}

func TestStableMatchAfterFiveRetries(tt *testing.T) {
	t := check.T(tt)
	other1, addr1 := startMockResolver(t, dns.RcodeSuccess)
	defer other1.Shutdown()
	other2, addr2 := startMockResolver(t, dns.RcodeSuccess)
	defer other2.Shutdown()
	target, addr3 := startMockResolver(t, dns.RcodeServerFailure)
	defer target.Shutdown()

	env := seedQuery(t)
	defer env.Close()
	cfg := reproConfig(t, map[string]string{"other1": addr1, "other2": addr2, "target": addr3})
	report := reportWithDiff("NOERROR", "SERVFAIL")

	verifier, err := New(env, cfg, Options{})
	t.Nil(err)
	for i := 0; i < 5; i++ {
		t.Nil(verifier.Run(context.Background(), report))
	}

	counter := report.ReproData[0]
	t.Must(counter != nil)
	t.EQ(counter.Retries, 5)
	t.EQ(counter.UpstreamStable, 5)
	t.EQ(counter.Verified, 5)
	t.EQ(counter.State(), dataformat.ReproStableMatch)
}

func TestUnstableUpstreamSkippedOnNextRun(tt *testing.T) {
	t := check.T(tt)
	other1, addr1 := startMockResolver(t, dns.RcodeSuccess)
	defer other1.Shutdown()
	other2, addr2 := startMockResolver(t, dns.RcodeRefused)
	defer other2.Shutdown()
	target, addr3 := startMockResolver(t, dns.RcodeServerFailure)
	defer target.Shutdown()

	env := seedQuery(t)
	defer env.Close()
	cfg := reproConfig(t, map[string]string{"other1": addr1, "other2": addr2, "target": addr3})
	report := reportWithDiff("NOERROR", "SERVFAIL")

	verifier, err := New(env, cfg, Options{})
	t.Nil(err)
	t.Nil(verifier.Run(context.Background(), report))

	counter := report.ReproData[0]
	t.Must(counter != nil)
	t.EQ(counter.Retries, 1)
	t.EQ(counter.UpstreamStable, 0)
	t.EQ(counter.State(), dataformat.ReproUnstable)

	// the unstable query is excluded from further verification
	t.Nil(verifier.Run(context.Background(), report))
	t.EQ(counter.Retries, 1)
}

func TestDifferentFailureNotVerified(tt *testing.T) {
	t := check.T(tt)
	other1, addr1 := startMockResolver(t, dns.RcodeSuccess)
	defer other1.Shutdown()
	other2, addr2 := startMockResolver(t, dns.RcodeSuccess)
	defer other2.Shutdown()
	target, addr3 := startMockResolver(t, dns.RcodeServerFailure)
	defer target.Shutdown()

	env := seedQuery(t)
	defer env.Close()
	cfg := reproConfig(t, map[string]string{"other1": addr1, "other2": addr2, "target": addr3})
	// the recorded diff claims REFUSED, but the target now fails with
	// SERVFAIL, a different failure than the one on file
	report := reportWithDiff("NOERROR", "REFUSED")

	verifier, err := New(env, cfg, Options{})
	t.Nil(err)
	t.Nil(verifier.Run(context.Background(), report))

	counter := report.ReproData[0]
	t.Must(counter != nil)
	t.EQ(counter.Retries, 1)
	t.EQ(counter.UpstreamStable, 1)
	t.EQ(counter.Verified, 0)
	t.EQ(counter.State(), dataformat.ReproDifferentFailure)
}

func TestRestartScriptsRunPerBatch(tt *testing.T) {
	t := check.T(tt)
	other1, addr1 := startMockResolver(t, dns.RcodeSuccess)
	defer other1.Shutdown()
	other2, addr2 := startMockResolver(t, dns.RcodeSuccess)
	defer other2.Shutdown()
	target, addr3 := startMockResolver(t, dns.RcodeServerFailure)
	defer target.Shutdown()

	marker := filepath.Join(t.TempDir(), "restarts")
	script := filepath.Join(t.TempDir(), "restart.sh")
	t.Nil(os.WriteFile(script, []byte("#!/bin/sh\necho restarted >> "+marker+"\n"), 0o755))

	env := seedQuery(t)
	defer env.Close()
	cfg := reproConfig(t, map[string]string{"other1": addr1, "other2": addr2, "target": addr3})
	server := cfg.Resolver["target"]
	server.RestartScript = script
	cfg.Resolver["target"] = server
	report := reportWithDiff("NOERROR", "SERVFAIL")

	verifier, err := New(env, cfg, Options{Sequential: true})
	t.Nil(err)
	t.Nil(verifier.Run(context.Background(), report))

	data, err := os.ReadFile(marker)
	t.Nil(err)
	t.EQ(strings.Count(string(data), "restarted"), 1)
	t.EQ(report.ReproData[0].Retries, 1)
}

func TestFailingRestartScriptDoesNotAbort(tt *testing.T) {
	t := check.T(tt)
	other1, addr1 := startMockResolver(t, dns.RcodeSuccess)
	defer other1.Shutdown()
	other2, addr2 := startMockResolver(t, dns.RcodeSuccess)
	defer other2.Shutdown()
	target, addr3 := startMockResolver(t, dns.RcodeServerFailure)
	defer target.Shutdown()

	env := seedQuery(t)
	defer env.Close()
	cfg := reproConfig(t, map[string]string{"other1": addr1, "other2": addr2, "target": addr3})
	server := cfg.Resolver["target"]
	server.RestartScript = "/nonexistent/restart.sh"
	cfg.Resolver["target"] = server
	report := reportWithDiff("NOERROR", "SERVFAIL")

	verifier, err := New(env, cfg, Options{})
	t.Nil(err)
	t.Nil(verifier.Run(context.Background(), report))
	t.EQ(report.ReproData[0].Retries, 1)
}

func TestRunRequiresDiffStage(tt *testing.T) {
	t := check.T(tt)
	env := seedQuery(t)
	defer env.Close()
	cfg := reproConfig(t, map[string]string{
		"other1": "127.0.0.1:1", "other2": "127.0.0.1:1", "target": "127.0.0.1:1",
	})
	verifier, err := New(env, cfg, Options{})
	t.Nil(err)
	t.NotNil(verifier.Run(context.Background(), &dataformat.DiffReport{}))
}
