package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib"
	"github.com/fiffu/recordwatch/lib/cursor"
	"github.com/fiffu/recordwatch/lib/models"
	"github.com/fiffu/recordwatch/lib/remote"
	"github.com/fiffu/recordwatch/lib/streaming"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

type fakeAPI struct {
	pollArgs   []any
	pollResult *models.PollResult
	pollErr    error

	checkpoint time.Time
	hasCP      bool
	resets     []string

	forwardErr error
	stopped    []string

	deletionArgs []any
	published    []string
}

func (f *fakeAPI) PollUpdates(ctx context.Context, entity string, window int, fields []string) (*models.PollResult, error) {
	f.pollArgs = []any{entity, window, fields}
	return f.pollResult, f.pollErr
}

func (f *fakeAPI) PollDeletions(ctx context.Context, entity string, window int) (*models.PollResult, error) {
	f.deletionArgs = []any{entity, window}
	return &models.PollResult{EntityType: entity, Records: models.Records{{"Id": "009"}}, Deleted: true}, nil
}

func (f *fakeAPI) Checkpoint(ctx context.Context, entity string) (time.Time, bool, error) {
	return f.checkpoint, f.hasCP, nil
}

func (f *fakeAPI) ResetCheckpoint(ctx context.Context, entity string) error {
	f.resets = append(f.resets, entity)
	return nil
}

func (f *fakeAPI) CreateWatch(ctx context.Context, entity string, window int, fields []string, trackDeletes bool, platform, recipient string) (*models.Watch, error) {
	if platform != "email" {
		return nil, lib.ErrInvalidArgument
	}
	w := &models.Watch{EntityType: entity, InitialWindowMinutes: window, Fields: strings.Join(fields, ","), TrackDeletes: trackDeletes, Platform: platform, Recipient: recipient}
	w.ID = 7
	return w, nil
}

func (f *fakeAPI) FindChangeLogs(ctx context.Context, entity string, limit int) (models.ChangeLogs, error) {
	return models.ChangeLogs{{
		BatchID:    "b1",
		EntityType: entity,
		Source:     models.SourcePoll,
		RecordIDs:  "001,002",
		Payload:    `[{"Id":"001"},{"Id":"002"}]`,
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}, nil
}

func (f *fakeAPI) ForwardTopic(ctx context.Context, topic, chase, platform, recipient string) (*models.TopicForward, error) {
	return &models.TopicForward{Topic: "/topic/" + topic, ChaseEntity: chase, Platform: platform, Recipient: recipient}, f.forwardErr
}

func (f *fakeAPI) StopForward(ctx context.Context, topic string) error {
	f.stopped = append(f.stopped, topic)
	return nil
}

func (f *fakeAPI) PublishTopic(ctx context.Context, topic, query, description string) (*remote.Topic, error) {
	f.published = append(f.published, topic+": "+query)
	return &remote.Topic{ID: "0IF1", Name: topic, Query: query, Description: description}, nil
}

func (f *fakeAPI) SessionState() streaming.State { return streaming.Connected }

func (f *fakeAPI) SessionError() error { return nil }

func (f *fakeAPI) Subscriptions() []streaming.Subscription {
	return []streaming.Subscription{{Channel: "/topic/A", Connected: true}}
}

func newTestServer(t *testing.T, api API) *httptest.Server {
	t.Setenv("BASIC_AUTH_CREDS", "admin:secret")
	log := zaptest.NewLogger(t)
	cfg, err := config.NewConfig(fxtest.NewLifecycle(t), log)
	require.NoError(t, err)

	srv := httptest.NewServer(router(cfg, log, api, prometheus.NewRegistry()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, target string, form url.Values) (*http.Response, []byte) {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequest(method, target, body)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	srv := newTestServer(t, &fakeAPI{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresBasicAuth(t *testing.T) {
	srv := newTestServer(t, &fakeAPI{})

	resp, err := http.Get(srv.URL + "/api/session")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPollUpdates(t *testing.T) {
	api := &fakeAPI{pollResult: &models.PollResult{
		EntityType: "Account",
		Records:    models.Records{{"Id": "001"}},
		Cursor:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	srv := newTestServer(t, api)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/updates/Account?window=15&fields=Id,Name", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []any{"Account", 15, []string{"Id", "Name"}}, api.pollArgs)

	var view PollResultView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "001", view.Records[0].ID())
	require.NotNil(t, view.Cursor)
	assert.Equal(t, "2024-03-01T12:00:00Z", *view.Cursor)
}

func TestPollDeletions(t *testing.T) {
	api := &fakeAPI{}
	srv := newTestServer(t, api)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/deletions/Account?window=15", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []any{"Account", 15}, api.deletionArgs)

	var view PollResultView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.True(t, view.Deleted)
	assert.Equal(t, "009", view.Records[0].ID())

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/deletions/Account?window=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollUpdatesErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", lib.ErrInvalidArgument, http.StatusBadRequest},
		{"store fault", &cursor.StoreFault{Op: "put", Key: "k", Err: errors.New("disk full")}, http.StatusServiceUnavailable},
		{"remote", errors.New("remote unavailable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeAPI{pollErr: tt.err})
			resp, _ := do(t, http.MethodGet, srv.URL+"/api/updates/Account", nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	srv := newTestServer(t, &fakeAPI{})
	resp, _ := do(t, http.MethodGet, srv.URL+"/api/updates/Account?window=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckpoints(t *testing.T) {
	api := &fakeAPI{}
	srv := newTestServer(t, api)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/checkpoints/Account", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	api.hasCP = true
	api.checkpoint = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	resp, body := do(t, http.MethodGet, srv.URL+"/api/checkpoints/Account", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"entity_type":"Account","cursor":"2024-03-01T12:00:00Z"}`, string(body))

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/checkpoints/Account", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"Account"}, api.resets)
}

func TestCreateWatchAndChanges(t *testing.T) {
	srv := newTestServer(t, &fakeAPI{})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/watches", url.Values{"entity": {"Account"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "recipient is required")

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/watches", url.Values{
		"entity": {"Account"}, "recipient": {"ops@example.com"}, "platform": {"pager"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/watches", url.Values{
		"entity": {"Account"}, "recipient": {"ops@example.com"}, "fields": {"Id,Name"}, "window": {"30"}, "track_deletes": {"true"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var watch WatchView
	require.NoError(t, json.Unmarshal(body, &watch))
	assert.Equal(t, uint(7), watch.ID)
	assert.Equal(t, []string{"Id", "Name"}, watch.Fields)
	assert.Equal(t, 30, watch.InitialWindowMinutes)
	assert.True(t, watch.TrackDeletes)
	assert.Nil(t, watch.LastPollTime)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/watches/Account/changes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var changes []ChangeLogView
	require.NoError(t, json.Unmarshal(body, &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"001", "002"}, changes[0].RecordIDs)
	assert.JSONEq(t, `[{"Id":"001"},{"Id":"002"}]`, string(changes[0].Payload))
}

func TestForwardTopic(t *testing.T) {
	api := &fakeAPI{}
	srv := newTestServer(t, api)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/topics/AccountUpdates/forward", url.Values{
		"chase": {"Account"}, "recipient": {"ops@example.com"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var fwd ForwardView
	require.NoError(t, json.Unmarshal(body, &fwd))
	assert.Equal(t, "/topic/AccountUpdates", fwd.Topic)
	assert.Equal(t, "email", fwd.Platform)
	assert.Empty(t, fwd.Error)

	api.forwardErr = streaming.ErrHandshakeFailed
	resp, body = do(t, http.MethodPost, srv.URL+"/api/topics/AccountUpdates/forward", url.Values{
		"chase": {"Account"}, "recipient": {"ops@example.com"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &fwd))
	assert.Contains(t, fwd.Error, "handshake failed")

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/topics/AccountUpdates", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"AccountUpdates"}, api.stopped)
}

func TestPublishTopic(t *testing.T) {
	api := &fakeAPI{}
	srv := newTestServer(t, api)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/topics/AccountUpdates", url.Values{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query is required")

	resp, body := do(t, http.MethodPost, srv.URL+"/api/topics/AccountUpdates", url.Values{
		"query": {"SELECT Id FROM Account"}, "description": {"accounts"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{
		"id":"0IF1",
		"name":"AccountUpdates",
		"channel":"/topic/AccountUpdates",
		"query":"SELECT Id FROM Account",
		"description":"accounts"
	}`, string(body))
	assert.Equal(t, []string{"AccountUpdates: SELECT Id FROM Account"}, api.published)
}

func TestViewSession(t *testing.T) {
	srv := newTestServer(t, &fakeAPI{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"state":"connected","subscriptions":[{"channel":"/topic/A","connected":true}]}`, string(body))
}
