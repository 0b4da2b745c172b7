// Package dataformat holds the JSON report document shared by all
// pipeline stages. Every top-level section is optional: stages populate
// the report incrementally, and a crash must never invalidate sections
// computed earlier.
package dataformat

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/dchest/safefile"
	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/match"
)

// QID is a query sequence number, the primary key of all tables.
type QID = uint32

// Diff is the set of field mismatches recorded for one query.
type Diff map[string]match.Mismatch

// SignificantField walks the caller's priority list and returns the first
// field present in the diff. A diff with no field in the list yields an
// empty label, not an error.
func (diff Diff) SignificantField(weights []string) (string, *match.Mismatch) {
	for _, field := range weights {
		if mismatch, ok := diff[field]; ok {
			return field, &mismatch
		}
	}
	return "", nil
}

func (diff Diff) Equal(other Diff) bool {
	if len(diff) != len(other) {
		return false
	}
	for field, mismatch := range diff {
		if other[field] != mismatch {
			return false
		}
	}
	return true
}

type qidSet map[QID]struct{}

func (set qidSet) sorted() []QID {
	qids := make([]QID, 0, len(set))
	for qid := range set {
		qids = append(qids, qid)
	}
	sort.Slice(qids, func(i, j int) bool { return qids[i] < qids[j] })
	return qids
}

// Disagreements indexes every recorded mismatch by field label and by the
// mismatch value pair, mapping each onto the set of queries that produced it.
type Disagreements struct {
	fields map[string]map[match.Mismatch]qidSet
}

func NewDisagreements() *Disagreements {
	return &Disagreements{fields: make(map[string]map[match.Mismatch]qidSet)}
}

func (d *Disagreements) AddMismatch(field string, mismatch match.Mismatch, qid QID) {
	byMismatch, ok := d.fields[field]
	if !ok {
		byMismatch = make(map[match.Mismatch]qidSet)
		d.fields[field] = byMismatch
	}
	set, ok := byMismatch[mismatch]
	if !ok {
		set = make(qidSet)
		byMismatch[mismatch] = set
	}
	set[qid] = struct{}{}
}

// QIDs returns every query that has at least one mismatch, ascending.
func (d *Disagreements) QIDs() []QID {
	all := make(qidSet)
	for _, byMismatch := range d.fields {
		for _, qids := range byMismatch {
			for qid := range qids {
				all[qid] = struct{}{}
			}
		}
	}
	return all.sorted()
}

// Count is the number of distinct disagreeing queries.
func (d *Disagreements) Count() int {
	return len(d.QIDs())
}

func (d *Disagreements) Contains(qid QID) bool {
	for _, byMismatch := range d.fields {
		for _, qids := range byMismatch {
			if _, ok := qids[qid]; ok {
				return true
			}
		}
	}
	return false
}

// DiffForQID reassembles the per-field diff of one query from the index.
func (d *Disagreements) DiffForQID(qid QID) Diff {
	diff := make(Diff)
	for field, byMismatch := range d.fields {
		for mismatch, qids := range byMismatch {
			if _, ok := qids[qid]; ok {
				diff[field] = mismatch
			}
		}
	}
	return diff
}

func (d *Disagreements) FieldLabels() []string {
	labels := make([]string, 0, len(d.fields))
	for label := range d.fields {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// MismatchQueries is one mismatch value pair with the queries it affects.
type MismatchQueries struct {
	Mismatch match.Mismatch
	QIDs     []QID
}

// FieldMismatches returns the mismatches recorded for one field, ordered
// by value pair for determinism.
func (d *Disagreements) FieldMismatches(field string) []MismatchQueries {
	byMismatch := d.fields[field]
	entries := make([]MismatchQueries, 0, len(byMismatch))
	for mismatch, qids := range byMismatch {
		entries = append(entries, MismatchQueries{Mismatch: mismatch, QIDs: qids.sorted()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Mismatch.Expected != entries[j].Mismatch.Expected {
			return entries[i].Mismatch.Expected < entries[j].Mismatch.Expected
		}
		return entries[i].Mismatch.Got < entries[j].Mismatch.Got
	})
	return entries
}

type mismatchJSON struct {
	Count    int    `json:"count"`
	Expected string `json:"exp_val"`
	Got      string `json:"got_val"`
	Queries  []QID  `json:"queries"`
}

type fieldJSON struct {
	Count      int            `json:"count"`
	Mismatches []mismatchJSON `json:"mismatches"`
}

type disagreementsJSON struct {
	Count  int                  `json:"count"`
	Fields map[string]fieldJSON `json:"fields"`
}

func (d *Disagreements) toJSON() disagreementsJSON {
	doc := disagreementsJSON{Count: d.Count(), Fields: make(map[string]fieldJSON)}
	for _, label := range d.FieldLabels() {
		entries := d.FieldMismatches(label)
		field := fieldJSON{Count: len(entries)}
		for _, entry := range entries {
			field.Mismatches = append(field.Mismatches, mismatchJSON{
				Count:    len(entry.QIDs),
				Expected: entry.Mismatch.Expected,
				Got:      entry.Mismatch.Got,
				Queries:  entry.QIDs,
			})
		}
		doc.Fields[label] = field
	}
	return doc
}

func (d *Disagreements) fromJSON(doc disagreementsJSON) {
	d.fields = make(map[string]map[match.Mismatch]qidSet)
	for label, field := range doc.Fields {
		for _, entry := range field.Mismatches {
			for _, qid := range entry.Queries {
				d.AddMismatch(label, match.Mismatch{Expected: entry.Expected, Got: entry.Got}, qid)
			}
		}
	}
}

func (d *Disagreements) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.toJSON())
}

func (d *Disagreements) UnmarshalJSON(data []byte) error {
	var doc disagreementsJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	d.fromJSON(doc)
	return nil
}

// DisagreementsCounter records the queries where the non-target resolvers
// could not agree among themselves.
type DisagreementsCounter struct {
	queries qidSet
}

func NewDisagreementsCounter() *DisagreementsCounter {
	return &DisagreementsCounter{queries: make(qidSet)}
}

func (c *DisagreementsCounter) Add(qid QID) {
	c.queries[qid] = struct{}{}
}

func (c *DisagreementsCounter) Count() int {
	return len(c.queries)
}

func (c *DisagreementsCounter) QIDs() []QID {
	return c.queries.sorted()
}

func (c *DisagreementsCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Queries []QID `json:"queries"`
	}{Queries: c.queries.sorted()})
}

func (c *DisagreementsCounter) UnmarshalJSON(data []byte) error {
	var doc struct {
		Queries []QID `json:"queries"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	c.queries = make(qidSet, len(doc.Queries))
	for _, qid := range doc.Queries {
		c.queries[qid] = struct{}{}
	}
	return nil
}

// DiffReport is the top-level report document. Nil sections mean
// "not computed yet".
type DiffReport struct {
	StartTime           *int64                `json:"start_time,omitempty"`
	EndTime             *int64                `json:"end_time,omitempty"`
	TotalQueries        *int                  `json:"total_queries,omitempty"`
	TotalAnswers        *int                  `json:"total_answers,omitempty"`
	OtherDisagreements  *DisagreementsCounter `json:"other_disagreements,omitempty"`
	TargetDisagreements *Disagreements        `json:"target_disagreements,omitempty"`
	Summary             *Summary              `json:"summary,omitempty"`
	ReproData           ReproData             `json:"reprodata,omitempty"`
}

// Duration is end - start in seconds, when both timestamps are known.
func (report *DiffReport) Duration() (int64, bool) {
	if report.StartTime == nil || report.EndTime == nil {
		return 0, false
	}
	return *report.EndTime - *report.StartTime, true
}

// LoadReport reads a report written by an earlier stage.
func LoadReport(filename string) (*DiffReport, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	report := &DiffReport{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("invalid report file [%s]: %w", filename, err)
	}
	return report, nil
}

// Save writes the report atomically: the previous version stays intact
// until the replacement is fully on disk.
func (report *DiffReport) Save(filename string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := safefile.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("unable to write report [%s]: %w", filename, err)
	}
	dlog.Debugf("Report saved to [%s]", filename)
	return nil
}

// ReproCounter tracks reproduction attempts for one diverging query.
// The counters are monotonic and always satisfy
// retries >= upstream_stable >= verified.
type ReproCounter struct {
	Retries        int `json:"retries"`
	UpstreamStable int `json:"upstream_stable"`
	Verified       int `json:"verified"`
}

// ReproState classifies a counter; see State.
type ReproState int

const (
	ReproUnverified ReproState = iota
	ReproUnstable
	ReproStableMatch
	ReproDifferentFailure
)

func (state ReproState) String() string {
	switch state {
	case ReproUnverified:
		return "unverified"
	case ReproUnstable:
		return "unstable"
	case ReproStableMatch:
		return "stable match"
	case ReproDifferentFailure:
		return "different failure"
	}
	return "invalid"
}

// Validate asserts the counter invariant; a violation is a verifier bug.
func (counter ReproCounter) Validate() error {
	if counter.Retries < counter.UpstreamStable || counter.UpstreamStable < counter.Verified {
		return fmt.Errorf("repro counter invariant violated: retries=%d upstream_stable=%d verified=%d",
			counter.Retries, counter.UpstreamStable, counter.Verified)
	}
	return nil
}

func (counter ReproCounter) State() ReproState {
	switch {
	case counter.Retries == 0:
		return ReproUnverified
	case counter.Retries != counter.UpstreamStable:
		return ReproUnstable
	case counter.Retries == counter.Verified:
		return ReproStableMatch
	default:
		return ReproDifferentFailure
	}
}

// ReproData holds one counter per query under reproduction. Counters that
// never saw a retry are not persisted.
type ReproData map[QID]*ReproCounter

// Counter returns the counter for qid, creating it on first use.
func (data ReproData) Counter(qid QID) *ReproCounter {
	counter, ok := data[qid]
	if !ok {
		counter = &ReproCounter{}
		data[qid] = counter
	}
	return counter
}

func (data ReproData) MarshalJSON() ([]byte, error) {
	doc := make(map[string]*ReproCounter, len(data))
	for qid, counter := range data {
		if counter.Retries == 0 {
			continue
		}
		doc[strconv.FormatUint(uint64(qid), 10)] = counter
	}
	return json.Marshal(doc)
}

func (data *ReproData) UnmarshalJSON(raw []byte) error {
	var doc map[string]*ReproCounter
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	parsed := make(ReproData, len(doc))
	for key, counter := range doc {
		qid, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid query ID [%s] in reprodata", key)
		}
		parsed[QID(qid)] = counter
	}
	*data = parsed
	return nil
}
