package models

import (
	"database/sql"
	"strings"

	"gorm.io/gorm"
)

type Watch struct {
	gorm.Model
	EntityType           string `gorm:"uniqueIndex"`
	InitialWindowMinutes int
	Fields               string // Comma-separated field names to fetch
	Platform             string
	Recipient            string
	TrackDeletes         bool // Also report records deleted since the last poll
	LastPollTime         sql.NullTime
	LastChangeTime       sql.NullTime
}

type Watches []*Watch

func (w *Watch) FieldList() []string {
	return SplitList(w.Fields)
}

type TopicForward struct {
	gorm.Model
	Topic       string `gorm:"uniqueIndex"`
	ChaseEntity string // Entity type whose watches are polled when the topic fires
	Platform    string
	Recipient   string
}

type TopicForwards []TopicForward

func SplitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
