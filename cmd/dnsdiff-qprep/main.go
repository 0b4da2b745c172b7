package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedisct1/dlog"
	"github.com/miekg/dns"

	"github.com/dnsdiff/dnsdiff/cli"
	"github.com/dnsdiff/dnsdiff/database"
)

const commitEvery = 8192

func main() {
	flags := &cli.Flags{}
	flags.Register()
	flag.Parse()
	flags.Setup("dnsdiff-qprep")

	env, err := database.Open(flags.Envdir, database.EnvOptions{Create: true})
	if err != nil {
		dlog.Fatal(err)
	}
	defer env.Close()

	// an existing query corpus is never silently extended or replaced
	if err := env.OpenTable(database.TableQueries, database.TableOptions{
		Create:       true,
		FailIfExists: true,
	}); err != nil {
		dlog.Fatal(err)
	}
	if _, err := database.OpenMeta(env, nil, true); err != nil {
		dlog.Fatal(err)
	}

	stored, skipped, err := readQueries(env, os.Stdin)
	if err != nil {
		dlog.Fatal(err)
	}
	if skipped > 0 {
		dlog.Warnf("Skipped %d unparsable lines", skipped)
	}
	dlog.Noticef("Stored %d queries in [%s]", stored, flags.Envdir)
}

func readQueries(env *database.Env, input *os.File) (stored, skipped int, err error) {
	txn, err := env.BeginWrite(database.TableQueries)
	if err != nil {
		return 0, 0, err
	}
	pending := 0
	qid := uint32(0)
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		wire, err := wireFromText(line)
		if err != nil {
			dlog.Warnf("Skipping line [%s]: %v", line, err)
			skipped++
			continue
		}
		if err := txn.Put(database.QIDToKey(qid), wire); err != nil {
			txn.Rollback()
			return stored, skipped, err
		}
		qid++
		stored++
		pending++
		if pending >= commitEvery {
			if err := txn.Commit(); err != nil {
				return stored, skipped, err
			}
			pending = 0
			if txn, err = env.BeginWrite(database.TableQueries); err != nil {
				return stored, skipped, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		txn.Rollback()
		return stored, skipped, err
	}
	return stored, skipped, txn.Commit()
}

// wireFromText builds the query wire for one "<qname> <qtype>" line.
// The type may be mnemonic or numeric; DNSSEC records are requested so
// validating and non-validating resolvers can be told apart.
func wireFromText(line string) ([]byte, error) {
	qname := line
	qtype := dns.TypeA
	if idx := strings.LastIndexAny(line, " \t"); idx >= 0 {
		qname = strings.TrimSpace(line[:idx])
		typeText := strings.ToUpper(strings.TrimSpace(line[idx+1:]))
		if t, ok := dns.StringToType[typeText]; ok {
			qtype = t
		} else if n, err := strconv.ParseUint(typeText, 10, 16); err == nil {
			qtype = uint16(n)
		} else {
			return nil, fmt.Errorf("unknown query type [%s]", typeText)
		}
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), qtype)
	msg.SetEdns0(4096, true)
	return msg.Pack()
}
