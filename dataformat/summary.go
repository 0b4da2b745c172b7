package dataformat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jedisct1/dlog"

	"github.com/dnsdiff/dnsdiff/match"
)

// Summary reduces the target disagreements to at most one mismatch per
// query (the most significant field per the weight list) and filters out
// queries whose diff did not prove reproducible.
type Summary struct {
	Disagreements
	UpstreamUnstable int
	UsableAnswers    int
	NotReproducible  int
}

func NewSummary() *Summary {
	return &Summary{Disagreements: *NewDisagreements()}
}

// AddMismatch records the significant mismatch of one query. Each query
// may appear at most once in a summary.
func (summary *Summary) AddMismatch(field string, mismatch match.Mismatch, qid QID) error {
	if summary.Contains(qid) {
		return fmt.Errorf("query %d already present in summary", qid)
	}
	summary.Disagreements.AddMismatch(field, mismatch, qid)
	return nil
}

// BuildSummary folds a report into a summary. Queries whose reproduction
// counters show unstable upstreams are dropped; queries reproducing below
// the threshold (fraction of retries that verified, in (0, 1]) are counted
// as not reproducible. With withoutRepro set, reproduction data is ignored.
func BuildSummary(
	report *DiffReport,
	fieldWeights []string,
	reproducibilityThreshold float64,
	withoutRepro bool,
) (*Summary, error) {
	if report.OtherDisagreements == nil || report.TargetDisagreements == nil ||
		report.TotalAnswers == nil {
		return nil, errors.New("report has insufficient data to create summary")
	}

	summary := NewSummary()
	summary.UpstreamUnstable = report.OtherDisagreements.Count()

	for _, qid := range report.TargetDisagreements.QIDs() {
		diff := report.TargetDisagreements.DiffForQID(qid)
		if !withoutRepro && report.ReproData != nil {
			counter := report.ReproData.Counter(qid)
			if counter.Retries > 0 {
				if counter.Retries != counter.UpstreamStable {
					summary.UpstreamUnstable++
					continue
				}
				reproducibility := float64(counter.Verified) / float64(counter.Retries)
				if reproducibility < reproducibilityThreshold {
					summary.NotReproducible++
					continue
				}
			}
		}
		field, mismatch := diff.SignificantField(fieldWeights)
		if mismatch == nil {
			dlog.Warnf("Query %d has no significant field among %v, omitted from summary",
				qid, fieldWeights)
			continue
		}
		if err := summary.AddMismatch(field, *mismatch, qid); err != nil {
			return nil, err
		}
	}

	summary.UsableAnswers = *report.TotalAnswers - summary.UpstreamUnstable - summary.NotReproducible
	return summary, nil
}

type summaryJSON struct {
	Count            int                  `json:"count"`
	Fields           map[string]fieldJSON `json:"fields"`
	UpstreamUnstable int                  `json:"upstream_unstable"`
	UsableAnswers    int                  `json:"usable_answers"`
	NotReproducible  int                  `json:"not_reproducible"`
}

func (summary *Summary) MarshalJSON() ([]byte, error) {
	inner := summary.Disagreements.toJSON()
	return json.Marshal(summaryJSON{
		Count:            inner.Count,
		Fields:           inner.Fields,
		UpstreamUnstable: summary.UpstreamUnstable,
		UsableAnswers:    summary.UsableAnswers,
		NotReproducible:  summary.NotReproducible,
	})
}

func (summary *Summary) UnmarshalJSON(data []byte) error {
	var doc summaryJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	summary.Disagreements.fromJSON(disagreementsJSON{Count: doc.Count, Fields: doc.Fields})
	summary.UpstreamUnstable = doc.UpstreamUnstable
	summary.UsableAnswers = doc.UsableAnswers
	summary.NotReproducible = doc.NotReproducible
	return nil
}
