// Package tags holds the structured fields attached to scheduler log lines.
package tags

import (
	log "github.com/sirupsen/logrus"
)

// LogTags identifies what a log line is about. Empty fields are omitted.
type LogTags struct {
	Experiment string
	Group      string
	Job        string
	UnitID     string
	UnitName   string
}

// Fields renders the non-empty tags as logrus fields.
func (t LogTags) Fields() log.Fields {
	f := log.Fields{}
	if t.Experiment != "" {
		f["experiment"] = t.Experiment
	}
	if t.Group != "" {
		f["group"] = t.Group
	}
	if t.Job != "" {
		f["job"] = t.Job
	}
	if t.UnitID != "" {
		f["unitID"] = t.UnitID
	}
	if t.UnitName != "" {
		f["unitName"] = t.UnitName
	}
	return f
}

// Entry starts a log entry carrying the tags.
func (t LogTags) Entry() *log.Entry {
	return log.WithFields(t.Fields())
}
