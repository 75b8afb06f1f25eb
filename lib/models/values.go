package models

import (
	"crypto/sha1"
	"fmt"
	"time"
)

// Record is one remote record, keyed by field name.
type Record map[string]any

func (r Record) ID() string {
	if id, ok := r["Id"].(string); ok {
		return id
	}
	if id, ok := r["id"].(string); ok {
		return id
	}
	return ""
}

type Records []Record

func (rs Records) IDs() []string {
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID())
	}
	return ids
}

// PollResult is produced and consumed within one poll cycle.
type PollResult struct {
	EntityType    string
	Records       Records
	Cursor        time.Time // Cursor after the cycle; unchanged for duplicate cycles
	Duplicate     bool      // Remote source made no progress since the previous cycle
	InitialWindow bool      // No checkpoint existed, the initial look-back window was used
	Deleted       bool      // Records are deleted records and carry only their Id
}

func DigestContent(content string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(content)))
}
