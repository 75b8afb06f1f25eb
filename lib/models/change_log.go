package models

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SourcePoll    = "poll"
	SourcePush    = "push"
	SourceDeleted = "deleted"
)

type ChangeLog struct {
	ID            uint      `gorm:"primaryKey"`
	BatchID       string    `gorm:"uniqueIndex"`
	Timestamp     time.Time `gorm:"index"`
	Source        string
	EntityType    string `gorm:"index"`
	Channel       string
	RecordIDs     string // Comma-separated
	RecordCount   int
	Payload       string
	PayloadDigest string
	Cursor        sql.NullTime
}

type ChangeLogs []ChangeLog

func (c *ChangeLog) BeforeCreate(tx *gorm.DB) error {
	c.PayloadDigest = DigestContent(c.Payload)
	return nil
}

// NewPollChangeLog records the records returned by one poll cycle.
func NewPollChangeLog(result *PollResult, timestamp time.Time) (*ChangeLog, error) {
	payload, err := json.Marshal(result.Records)
	if err != nil {
		return nil, err
	}
	ids := result.Records.IDs()
	source := SourcePoll
	if result.Deleted {
		source = SourceDeleted
	}
	return &ChangeLog{
		BatchID:     uuid.NewString(),
		Timestamp:   timestamp,
		Source:      source,
		EntityType:  result.EntityType,
		RecordIDs:   strings.Join(ids, ","),
		RecordCount: len(ids),
		Payload:     string(payload),
		Cursor:      sql.NullTime{Time: result.Cursor, Valid: !result.Cursor.IsZero()},
	}, nil
}

// NewPushChangeLog records one push notification received on channel.
func NewPushChangeLog(entityType, channel string, data []byte, timestamp time.Time) *ChangeLog {
	change := &ChangeLog{
		BatchID:     uuid.NewString(),
		Timestamp:   timestamp,
		Source:      SourcePush,
		EntityType:  entityType,
		Channel:     channel,
		RecordCount: 1,
		Payload:     string(data),
	}
	if id := pushedRecordID(data); id != "" {
		change.RecordIDs = id
	}
	return change
}

// pushedRecordID finds the record id in a topic event, which carries the
// record under "sobject".
func pushedRecordID(data []byte) string {
	var event struct {
		SObject Record `json:"sobject"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return ""
	}
	return event.SObject.ID()
}
