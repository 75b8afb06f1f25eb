package app

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fiffu/recordwatch/lib/models"
	"github.com/fiffu/recordwatch/lib/remote"
	"github.com/fiffu/recordwatch/lib/streaming"
)

type PollResultView struct {
	EntityType    string         `json:"entity_type"`
	Records       models.Records `json:"records"`
	Cursor        *string        `json:"cursor"`
	Duplicate     bool           `json:"duplicate"`
	InitialWindow bool           `json:"initial_window"`
	Deleted       bool           `json:"deleted"`
}

type CheckpointView struct {
	EntityType string `json:"entity_type"`
	Cursor     string `json:"cursor"`
}

type WatchView struct {
	ID                   uint     `json:"id"`
	EntityType           string   `json:"entity_type"`
	InitialWindowMinutes int      `json:"initial_window_minutes"`
	Fields               []string `json:"fields"`
	Platform             string   `json:"platform"`
	Recipient            string   `json:"recipient"`
	TrackDeletes         bool     `json:"track_deletes"`
	LastPollTime         *string  `json:"last_poll_time"`
	LastChangeTime       *string  `json:"last_change_time"`
}

type ChangeLogView struct {
	BatchID     string          `json:"batch_id"`
	Timestamp   string          `json:"timestamp"`
	Source      string          `json:"source"`
	EntityType  string          `json:"entity_type"`
	Channel     string          `json:"channel,omitempty"`
	RecordIDs   []string        `json:"record_ids"`
	RecordCount int             `json:"record_count"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Digest      string          `json:"digest"`
	Cursor      *string         `json:"cursor"`
}

type ForwardView struct {
	ID          uint   `json:"id"`
	Topic       string `json:"topic"`
	ChaseEntity string `json:"chase_entity"`
	Platform    string `json:"platform"`
	Recipient   string `json:"recipient"`
	Error       string `json:"error,omitempty"`
}

type TopicView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Channel     string `json:"channel"`
	Query       string `json:"query"`
	Description string `json:"description,omitempty"`
}

type SessionView struct {
	State         string             `json:"state"`
	LastError     string             `json:"last_error,omitempty"`
	Subscriptions []SubscriptionView `json:"subscriptions"`
}

type SubscriptionView struct {
	Channel   string `json:"channel"`
	Connected bool   `json:"connected"`
}

func (view PollResultView) From(entity *models.PollResult) PollResultView {
	records := entity.Records
	if records == nil {
		records = models.Records{}
	}
	var cursor *string
	if !entity.Cursor.IsZero() {
		s := entity.Cursor.UTC().Format(time.RFC3339Nano)
		cursor = &s
	}
	return PollResultView{
		EntityType:    entity.EntityType,
		Records:       records,
		Cursor:        cursor,
		Duplicate:     entity.Duplicate,
		InitialWindow: entity.InitialWindow,
		Deleted:       entity.Deleted,
	}
}

func (view WatchView) From(entity *models.Watch) WatchView {
	return WatchView{
		ID:                   entity.ID,
		EntityType:           entity.EntityType,
		InitialWindowMinutes: entity.InitialWindowMinutes,
		Fields:               entity.FieldList(),
		Platform:             entity.Platform,
		Recipient:            entity.Recipient,
		TrackDeletes:         entity.TrackDeletes,
		LastPollTime:         isoformat(entity.LastPollTime),
		LastChangeTime:       isoformat(entity.LastChangeTime),
	}
}

func (view ChangeLogView) From(entity models.ChangeLog) ChangeLogView {
	var payload json.RawMessage
	if json.Valid([]byte(entity.Payload)) {
		payload = json.RawMessage(entity.Payload)
	}
	return ChangeLogView{
		BatchID:     entity.BatchID,
		Timestamp:   entity.Timestamp.UTC().Format(time.RFC3339),
		Source:      entity.Source,
		EntityType:  entity.EntityType,
		Channel:     entity.Channel,
		RecordIDs:   models.SplitList(entity.RecordIDs),
		RecordCount: entity.RecordCount,
		Payload:     payload,
		Digest:      entity.PayloadDigest,
		Cursor:      isoformat(entity.Cursor),
	}
}

func (view ForwardView) From(entity *models.TopicForward) ForwardView {
	return ForwardView{
		ID:          entity.ID,
		Topic:       entity.Topic,
		ChaseEntity: entity.ChaseEntity,
		Platform:    entity.Platform,
		Recipient:   entity.Recipient,
	}
}

func (view TopicView) From(entity *remote.Topic) TopicView {
	return TopicView{
		ID:          entity.ID,
		Name:        entity.Name,
		Channel:     "/topic/" + entity.Name,
		Query:       entity.Query,
		Description: entity.Description,
	}
}

func (view SubscriptionView) From(entity streaming.Subscription) SubscriptionView {
	return SubscriptionView{
		Channel:   entity.Channel,
		Connected: entity.Connected,
	}
}

type Fromable[Entity any, Repr any] interface {
	From(Entity) Repr
}

func FromMany[T any, U Fromable[T, U]](elems []T) []U {
	out := make([]U, len(elems))
	for i, t := range elems {
		var u U
		out[i] = u.From(t)
	}
	return out
}

func isoformat(t sql.NullTime) *string {
	if !t.Valid {
		return nil
	}
	s := t.Time.UTC().Format(time.RFC3339)
	return &s
}
