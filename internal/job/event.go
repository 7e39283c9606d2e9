package job

import (
	"dockingserver/internal/dispatcher"
	"dockingserver/pkg/cloudevent"
)

// EventTypeQueryComplete is sent once every item of a query has finished.
const EventTypeQueryComplete = "docking.query.complete"

// CompletionData is the payload of a EventTypeQueryComplete event.
type CompletionData struct {
	JobID    ID        `json:"jobId"`
	Receptor string    `json:"receptor"`
	Items    int       `json:"items"`
	Failed   int       `json:"failed"`
	Results  []Outcome `json:"results"`
}

func completionDelivery(source string, j *Job, outcomes []Outcome) *dispatcher.Delivery {
	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}
	data := CompletionData{
		JobID:    j.ID,
		Receptor: j.Receptor,
		Items:    len(outcomes),
		Failed:   failed,
		Results:  outcomes,
	}
	return &dispatcher.Delivery{
		Event: cloudevent.New(EventTypeQueryComplete, source, "job/"+j.ID.String(), data),
		URL:   j.Callback.URL,
		Key:   j.Callback.Key,
	}
}
