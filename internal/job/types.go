// Package job tracks asynchronous docking queries: it assigns identifiers, fans
// a submission out into per-molecule work items, tracks completion across
// polls and hands back ordered results exactly once.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"dockingserver/internal/compute"
	"dockingserver/internal/receptor"
)

// ID identifies a query for the lifetime of the process. IDs are never reused.
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseID parses the decimal form of an ID.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return ID(n), nil
}

// Handle is a pending computation. Done never blocks; Result blocks until the
// computation has finished.
type Handle interface {
	Done() bool
	Result() (float64, error)
}

// WorkItem is one molecule of a submission and its position in the batch.
type WorkItem struct {
	Index   int
	Request compute.Request
}

// Callback asks for a completion event once every item has finished.
type Callback struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"` // HMAC signing key
}

// Submission is a request to dock one or many molecules against one receptor.
type Submission struct {
	Molecules    []string
	Single       bool // a bare SMILES rather than a list
	ReceptorName string
	Receptor     receptor.Source // empty to use the cached receptor
	Options      compute.Options
	Callback     *Callback
}

// Outcome is the result of one work item: a score, or the reason it failed.
type Outcome struct {
	Index   int
	Score   float64
	Failure error
}

// Failed reports whether the item produced no score.
func (o Outcome) Failed() bool {
	return o.Failure != nil
}

type outcomeJSON struct {
	Index int      `json:"index"`
	Score *float64 `json:"score,omitempty"`
	Error string   `json:"error,omitempty"`
}

// MarshalJSON encodes {"index":i,"score":x} or {"index":i,"error":"reason"}.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{Index: o.Index}
	if o.Failure != nil {
		out.Error = o.Failure.Error()
	} else {
		score := o.Score
		out.Score = &score
	}
	return json.Marshal(out)
}

// MarshalXMLRPC encodes a bare score, or {index, error} for a failed item.
func (o Outcome) MarshalXMLRPC() (any, error) {
	if o.Failure != nil {
		return map[string]any{"index": o.Index, "error": o.Failure.Error()}, nil
	}
	return o.Score, nil
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var in outcomeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*o = Outcome{Index: in.Index}
	switch {
	case in.Error != "":
		o.Failure = errors.New(in.Error)
	case in.Score != nil:
		o.Score = *in.Score
	default:
		return fmt.Errorf("outcome %d has neither score nor error", in.Index)
	}
	return nil
}

// Results is what a collector receives.
type Results struct {
	ID       ID
	Single   bool
	Receptor string
	Elapsed  time.Duration
	Outcomes []Outcome
}

// Status is a point-in-time view of a query.
type Status struct {
	ID        ID            `json:"jobId"`
	Done      bool          `json:"done"`
	Items     int           `json:"items"`
	Completed int           `json:"completed"`
	Receptor  string        `json:"receptor"`
	Submitted time.Time     `json:"submittedAt"`
	Elapsed   time.Duration `json:"-"`
}

// Job is the registry entry of one submission. Every field below mu is
// guarded by it.
type Job struct {
	ID          ID
	Receptor    string
	Single      bool
	SubmittedAt time.Time
	Callback    *Callback

	mu         sync.Mutex
	items      []Handle
	completed  []bool
	observed   bool          // every item has been seen done by a poll
	elapsed    time.Duration // set with observed
	finishedAt time.Time     // zero until every item is known to be done
	remaining  int           // items whose completion hook has not run
	retired    bool
}

func newJob(id ID, sub *Submission, now time.Time) *Job {
	n := len(sub.Molecules)
	return &Job{
		ID:          id,
		Receptor:    sub.ReceptorName,
		Single:      sub.Single,
		SubmittedAt: now,
		Callback:    sub.Callback,
		items:       make([]Handle, 0, n),
		completed:   make([]bool, 0, n),
		remaining:   n,
	}
}

// add registers a dispatched item. Caller holds mu.
func (j *Job) add(h Handle) {
	j.items = append(j.items, h)
	j.completed = append(j.completed, false)
}

// refresh checks uncached items in order and stops at the first one still running.
// Caller holds mu.
func (j *Job) refresh(now time.Time) bool {
	for i, h := range j.items {
		if j.completed[i] {
			continue
		}
		if !h.Done() {
			return false
		}
		j.completed[i] = true
	}
	if !j.observed {
		j.observed = true
		j.elapsed = now.Sub(j.SubmittedAt)
		if j.finishedAt.IsZero() {
			j.finishedAt = now
		}
	}
	return true
}

// completedCount is the number of items cached as done. Caller holds mu.
func (j *Job) completedCount() int {
	n := 0
	for _, c := range j.completed {
		if c {
			n++
		}
	}
	return n
}

// outcomes reads every result in submission order. Caller holds mu and has
// seen refresh return true.
func (j *Job) outcomes() []Outcome {
	out := make([]Outcome, len(j.items))
	for i, h := range j.items {
		score, err := h.Result()
		out[i] = Outcome{Index: i, Score: score, Failure: err}
	}
	return out
}
