// Package match decides field-level agreement between DNS answers.
package match

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedisct1/dlog"
	"github.com/miekg/dns"
)

// Field labels usable in the diff criteria list.
const (
	FieldTimeout      = "timeout"
	FieldMalformed    = "malformed"
	FieldOpcode       = "opcode"
	FieldQName        = "qname"
	FieldQType        = "qtype"
	FieldQCase        = "qcase"
	FieldFlags        = "flags"
	FieldRcode        = "rcode"
	FieldQuestion     = "question"
	FieldAnswer       = "answer"
	FieldTTL          = "ttl"
	FieldAnswerTypes  = "answertypes"
	FieldAnswerRRSigs = "answerrrsigs"
	FieldAuthority    = "authority"
	FieldAdditional   = "additional"
	FieldEDNS         = "edns"
	FieldNSID         = "nsid"
)

// KnownFields lists every label MatchField understands, except the
// timeout and malformed pseudo-fields which are handled before any
// field rule runs.
var KnownFields = []string{
	FieldOpcode, FieldQName, FieldQType, FieldQCase, FieldFlags, FieldRcode,
	FieldQuestion, FieldAnswer, FieldTTL, FieldAnswerTypes, FieldAnswerRRSigs,
	FieldAuthority, FieldAdditional, FieldEDNS, FieldNSID,
}

// IsKnownField reports whether label is a valid criteria entry.
func IsKnownField(label string) bool {
	for _, known := range KnownFields {
		if label == known {
			return true
		}
	}
	return false
}

// Mismatch is a pair of differing comparison values for one field.
// Equality is structural: two mismatches with the same expected/got pair
// are the same mismatch regardless of which query produced them.
type Mismatch struct {
	Expected string `json:"exp_val"`
	Got      string `json:"got_val"`
}

// NewMismatch builds a mismatch from two values that differ. Equal values
// indicate a bug in a field rule and trip an immediate panic.
func NewMismatch(expected, got string) Mismatch {
	if expected == got {
		panic(fmt.Sprintf("mismatch constructed from equal values: [%s]", expected))
	}
	return Mismatch{Expected: expected, Got: got}
}

func (mismatch Mismatch) String() string {
	return fmt.Sprintf("expected '%s' got '%s'", mismatch.Expected, mismatch.Got)
}

// FieldMismatch is one mismatch tagged with the field it was found in.
type FieldMismatch struct {
	Field    string
	Mismatch Mismatch
}

// Answer is one resolver's parsed outcome for a query. At most one of
// Msg, Timeout and Malformed is meaningful: a timeout has no message,
// and a malformed answer records the parser failure class instead.
type Answer struct {
	Msg       *dns.Msg
	Timeout   bool
	Malformed string
}

// ParseWire turns raw reply bytes into an Answer. A nil wire means the
// resolver never answered.
func ParseWire(wire []byte) Answer {
	if wire == nil {
		return Answer{Timeout: true}
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(wire); err != nil {
		return Answer{Malformed: malformedClass(err)}
	}
	return Answer{Msg: msg}
}

// malformedClass maps a parse failure onto a coarse, stable label, so that
// two resolvers failing the same way compare as equal.
func malformedClass(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "overflow"):
		return "truncated message"
	case strings.Contains(msg, "bad rdlength"):
		return "bad rdlength"
	case strings.Contains(msg, "bad"):
		return "malformed field"
	default:
		return "unparsable message"
	}
}

// MatchField applies one comparison rule. It returns nil when the field
// agrees, the mismatch otherwise, and an error for an unknown label.
func MatchField(expected, got *dns.Msg, label string) (*Mismatch, error) {
	switch label {
	case FieldOpcode:
		return compareValues(opcodeText(expected.Opcode), opcodeText(got.Opcode)), nil
	case FieldQName:
		if len(expected.Question) == 0 {
			return nil, nil
		}
		return compareValues(
			strings.ToLower(expected.Question[0].Name),
			strings.ToLower(got.Question[0].Name)), nil
	case FieldQType:
		if len(expected.Question) == 0 {
			return nil, nil
		}
		return compareValues(
			rrTypeText(expected.Question[0].Qtype),
			rrTypeText(got.Question[0].Qtype)), nil
	case FieldQCase:
		if len(expected.Question) == 0 {
			return nil, nil
		}
		// 0x20 randomization check: labels must match byte for byte
		return compareValues(expected.Question[0].Name, got.Question[0].Name), nil
	case FieldFlags:
		return compareValues(flagsText(expected), flagsText(got)), nil
	case FieldRcode:
		return compareValues(rcodeText(expected.Rcode), rcodeText(got.Rcode)), nil
	case FieldQuestion:
		if mismatch := compareValues(questionText(expected), questionText(got)); mismatch != nil {
			return mismatch, nil
		}
		if len(expected.Question) == 0 {
			return nil, nil
		}
		return compareValues(expected.Question[0].Name, got.Question[0].Name), nil
	case FieldAnswer:
		return compareRRs(expected.Answer, got.Answer, false), nil
	case FieldTTL:
		return compareRRs(expected.Answer, got.Answer, true), nil
	case FieldAnswerTypes:
		return compareRRTypes(expected.Answer, got.Answer, false), nil
	case FieldAnswerRRSigs:
		return compareRRTypes(expected.Answer, got.Answer, true), nil
	case FieldAuthority:
		return compareRRs(expected.Ns, got.Ns, false), nil
	case FieldAdditional:
		return compareRRs(stripPseudoRRs(expected.Extra), stripPseudoRRs(got.Extra), false), nil
	case FieldEDNS:
		return compareEDNS(expected, got), nil
	case FieldNSID:
		return compareNSID(expected, got), nil
	default:
		return nil, fmt.Errorf("unknown match field [%s]", label)
	}
}

func compareValues(expected, got string) *Mismatch {
	if expected == got {
		return nil
	}
	mismatch := NewMismatch(expected, got)
	return &mismatch
}

func opcodeText(opcode int) string {
	if text, ok := dns.OpcodeToString[opcode]; ok {
		return text
	}
	return fmt.Sprintf("OPCODE%d", opcode)
}

func rcodeText(rcode int) string {
	if text, ok := dns.RcodeToString[rcode]; ok {
		return text
	}
	return fmt.Sprintf("RCODE%d", rcode)
}

func rrTypeText(rrtype uint16) string {
	return dns.Type(rrtype).String()
}

// flagsText renders header flags as a canonical space-separated set.
func flagsText(msg *dns.Msg) string {
	flags := make([]string, 0, 8)
	if msg.Response {
		flags = append(flags, "QR")
	}
	if msg.Authoritative {
		flags = append(flags, "AA")
	}
	if msg.Truncated {
		flags = append(flags, "TC")
	}
	if msg.RecursionDesired {
		flags = append(flags, "RD")
	}
	if msg.RecursionAvailable {
		flags = append(flags, "RA")
	}
	if msg.Zero {
		flags = append(flags, "Z")
	}
	if msg.AuthenticatedData {
		flags = append(flags, "AD")
	}
	if msg.CheckingDisabled {
		flags = append(flags, "CD")
	}
	return strings.Join(flags, " ")
}

func questionText(msg *dns.Msg) string {
	entries := make([]string, 0, len(msg.Question))
	for _, q := range msg.Question {
		entries = append(entries, fmt.Sprintf("%s %s %s",
			strings.ToLower(q.Name), dns.Class(q.Qclass).String(), rrTypeText(q.Qtype)))
	}
	sort.Strings(entries)
	return strings.Join(entries, "; ")
}

// canonicalRR renders one record for comparison. Names are lowercased;
// the TTL is zeroed out unless the caller asked to compare it.
func canonicalRR(rr dns.RR, withTTL bool) string {
	if !withTTL {
		rr = dns.Copy(rr)
		rr.Header().Ttl = 0
	}
	text := rr.String()
	// header name case must not influence RR-set equality
	if i := strings.IndexAny(text, " \t"); i > 0 {
		text = strings.ToLower(text[:i]) + text[i:]
	}
	return text
}

func sectionText(section []dns.RR, withTTL bool) string {
	entries := make([]string, 0, len(section))
	for _, rr := range section {
		entries = append(entries, canonicalRR(rr, withTTL))
	}
	sort.Strings(entries)
	return strings.Join(entries, "; ")
}

// compareRRs checks RR-set membership equality: order is irrelevant but
// duplicates are not, so the sorted multiset rendering must match.
func compareRRs(expected, got []dns.RR, withTTL bool) *Mismatch {
	return compareValues(sectionText(expected, withTTL), sectionText(got, withTTL))
}

// compareRRTypes compares only the sets of record types present. With
// rrsigs set, it instead compares the sets of types covered by RRSIGs.
func compareRRTypes(expected, got []dns.RR, rrsigs bool) *Mismatch {
	return compareValues(typeSetText(expected, rrsigs), typeSetText(got, rrsigs))
}

func typeSetText(section []dns.RR, rrsigs bool) string {
	types := make(map[string]bool)
	for _, rr := range section {
		sig, isRRSIG := rr.(*dns.RRSIG)
		if rrsigs != isRRSIG {
			continue
		}
		if rrsigs {
			types[fmt.Sprintf("RRSIG(%s)", rrTypeText(sig.TypeCovered))] = true
		} else {
			types[rrTypeText(rr.Header().Rrtype)] = true
		}
	}
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

// stripPseudoRRs drops OPT and TSIG from the additional section; EDNS has
// its own field rule and signatures are transport artifacts.
func stripPseudoRRs(section []dns.RR) []dns.RR {
	records := make([]dns.RR, 0, len(section))
	for _, rr := range section {
		switch rr.Header().Rrtype {
		case dns.TypeOPT, dns.TypeTSIG:
			continue
		}
		records = append(records, rr)
	}
	return records
}

func ednsVersionText(msg *dns.Msg) string {
	opt := msg.IsEdns0()
	if opt == nil {
		return "no EDNS"
	}
	return fmt.Sprintf("EDNS%d", opt.Version())
}

func ednsPayloadText(msg *dns.Msg) string {
	opt := msg.IsEdns0()
	if opt == nil {
		return "0"
	}
	return fmt.Sprintf("%d", opt.UDPSize())
}

func compareEDNS(expected, got *dns.Msg) *Mismatch {
	if mismatch := compareValues(ednsVersionText(expected), ednsVersionText(got)); mismatch != nil {
		return mismatch
	}
	return compareValues(ednsPayloadText(expected), ednsPayloadText(got))
}

func nsidValue(msg *dns.Msg) (string, bool) {
	opt := msg.IsEdns0()
	if opt == nil {
		return "", false
	}
	for _, option := range opt.Option {
		if nsid, ok := option.(*dns.EDNS0_NSID); ok {
			return nsid.Nsid, true
		}
	}
	return "", false
}

func compareNSID(expected, got *dns.Msg) *Mismatch {
	expVal, expPresent := nsidValue(expected)
	gotVal, gotPresent := nsidValue(got)
	if !expPresent && !gotPresent {
		return nil
	}
	return compareValues(expVal, gotVal)
}

// Match compares two answers over the requested fields and collects every
// mismatch. A timeout on either side short-circuits all field rules, as
// does a malformed message; both sides malformed in the same way is logged
// but not counted as a disagreement.
func Match(expected, got Answer, fields []string) ([]FieldMismatch, error) {
	if expected.Timeout || got.Timeout {
		var found []FieldMismatch
		if !expected.Timeout {
			found = append(found, FieldMismatch{FieldTimeout, NewMismatch("answer", "timeout")})
		}
		if !got.Timeout {
			found = append(found, FieldMismatch{FieldTimeout, NewMismatch("timeout", "answer")})
		}
		return found, nil
	}
	if expected.Malformed != "" || got.Malformed != "" {
		if expected.Malformed == got.Malformed {
			dlog.Warnf("DNS replies malformed in the same way (%s)", expected.Malformed)
			return nil, nil
		}
		expVal, gotVal := expected.Malformed, got.Malformed
		if expVal == "" {
			expVal = "valid message"
		}
		if gotVal == "" {
			gotVal = "valid message"
		}
		return []FieldMismatch{{FieldMalformed, NewMismatch(expVal, gotVal)}}, nil
	}
	var found []FieldMismatch
	for _, label := range fields {
		mismatch, err := MatchField(expected.Msg, got.Msg, label)
		if err != nil {
			return nil, err
		}
		if mismatch != nil {
			found = append(found, FieldMismatch{label, *mismatch})
		}
	}
	return found, nil
}
