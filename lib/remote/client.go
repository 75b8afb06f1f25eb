// Package remote talks to the record store's REST API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/fiffu/recordwatch/lib/auth"
	"github.com/fiffu/recordwatch/lib/models"
	"go.uber.org/zap"
)

const (
	// The updated-records endpoint has minute granularity.
	minimumWindow = time.Minute

	fetchChunkSize = 2000

	remoteTimeLayout = "2006-01-02T15:04:05.000-0700"
)

type Client struct {
	log        *zap.Logger
	transport  http.RoundTripper
	auth       auth.Provider
	apiVersion string
	timeout    time.Duration
}

func NewClient(log *zap.Logger, transport http.RoundTripper, provider auth.Provider, apiVersion string, timeout time.Duration) *Client {
	return &Client{
		log:        log,
		transport:  transport,
		auth:       provider,
		apiVersion: apiVersion,
		timeout:    timeout,
	}
}

func (c *Client) dataPath(format string, args ...any) string {
	return fmt.Sprintf("/services/data/v%s", c.apiVersion) + fmt.Sprintf(format, args...)
}

// do runs build against the current identity, renewing once on a 401.
func (c *Client) do(ctx context.Context, build func(rb *requests.Builder) *requests.Builder) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id, err := c.auth.CurrentIdentity(ctx)
	if err != nil {
		return err
	}

	err = c.request(ctx, id, build)
	if !requests.HasStatusErr(err, http.StatusUnauthorized) {
		return err
	}

	c.log.Sugar().Infow("Remote rejected session, renewing", "tenant", id.TenantID)
	id, renewErr := c.auth.Renew(ctx)
	if renewErr != nil {
		return errors.Join(err, renewErr)
	}
	return c.request(ctx, id, build)
}

func (c *Client) request(ctx context.Context, id auth.Identity, build func(rb *requests.Builder) *requests.Builder) error {
	rb := requests.URL(id.InstanceURL).
		Transport(c.transport).
		Bearer(id.SessionID).
		Header("X-Tenant-Id", id.TenantID)
	return build(rb).Fetch(ctx)
}

// ServerTime reads the remote clock from the Date header.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var serverTime time.Time
	err := c.do(ctx, func(rb *requests.Builder) *requests.Builder {
		return rb.
			Path(c.dataPath("/")).
			Handle(func(res *http.Response) error {
				defer res.Body.Close()
				date := res.Header.Get("Date")
				if date == "" {
					return errors.New("server time: response has no Date header")
				}
				ts, err := http.ParseTime(date)
				if err != nil {
					return fmt.Errorf("server time: %w", err)
				}
				serverTime = ts.UTC()
				return nil
			})
	})
	return serverTime, err
}

type updatedResponse struct {
	IDs               []string `json:"ids"`
	LatestDateCovered string   `json:"latestDateCovered"`
}

// UpdatedIDs lists ids of records of entity changed in [from, to).
func (c *Client) UpdatedIDs(ctx context.Context, entity string, from, to time.Time) ([]string, time.Time, error) {
	to = widen(from, to)

	c.log.Sugar().Debugw("Getting updated records", "entity", entity, "start", from, "end", to)

	var res updatedResponse
	err := c.do(ctx, func(rb *requests.Builder) *requests.Builder {
		return rb.
			Path(c.dataPath("/sobjects/%s/updated/", entity)).
			Param("start", formatTime(from)).
			Param("end", formatTime(to)).
			ToJSON(&res)
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("updated %s: %w", entity, err)
	}

	covered, err := parseTime(res.LatestDateCovered)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("updated %s: latestDateCovered: %w", entity, err)
	}
	return res.IDs, covered, nil
}

type deletedRecord struct {
	ID          string `json:"id"`
	DeletedDate string `json:"deletedDate"`
}

type deletedResponse struct {
	DeletedRecords    []deletedRecord `json:"deletedRecords"`
	LatestDateCovered string          `json:"latestDateCovered"`
}

// DeletedIDs lists ids of records of entity deleted in [from, to).
func (c *Client) DeletedIDs(ctx context.Context, entity string, from, to time.Time) ([]string, time.Time, error) {
	to = widen(from, to)

	c.log.Sugar().Debugw("Getting deleted records", "entity", entity, "start", from, "end", to)

	var res deletedResponse
	err := c.do(ctx, func(rb *requests.Builder) *requests.Builder {
		return rb.
			Path(c.dataPath("/sobjects/%s/deleted/", entity)).
			Param("start", formatTime(from)).
			Param("end", formatTime(to)).
			ToJSON(&res)
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("deleted %s: %w", entity, err)
	}

	covered, err := parseTime(res.LatestDateCovered)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("deleted %s: latestDateCovered: %w", entity, err)
	}
	ids := make([]string, 0, len(res.DeletedRecords))
	for _, r := range res.DeletedRecords {
		ids = append(ids, r.ID)
	}
	return ids, covered, nil
}

// widen stretches windows shorter than the endpoint granularity. An end
// before the start counts as an empty window at the start.
func widen(from, to time.Time) time.Time {
	if to.Before(from) {
		to = from
	}
	if to.Sub(from) < minimumWindow {
		return to.Add(minimumWindow)
	}
	return to
}

type retrieveRequest struct {
	IDs    []string `json:"ids"`
	Fields []string `json:"fields"`
}

// FetchRecords retrieves fields of the given records. Records deleted since
// they were listed come back as null and are skipped.
func (c *Client) FetchRecords(ctx context.Context, entity string, ids, fields []string) (models.Records, error) {
	records := make(models.Records, 0, len(ids))

	for start := 0; start < len(ids); start += fetchChunkSize {
		end := min(start+fetchChunkSize, len(ids))

		var chunk []models.Record
		err := c.do(ctx, func(rb *requests.Builder) *requests.Builder {
			return rb.
				Path(c.dataPath("/composite/sobjects/%s", entity)).
				BodyJSON(retrieveRequest{IDs: ids[start:end], Fields: fields}).
				ToJSON(&chunk)
		})
		if err != nil {
			return nil, fmt.Errorf("retrieve %s: %w", entity, err)
		}

		for _, r := range chunk {
			if r != nil {
				records = append(records, r)
			}
		}
	}
	return records, nil
}

// Topic describes a push topic: the query whose matching record changes are
// published on /topic/<Name>.
type Topic struct {
	ID          string
	Name        string
	Query       string
	Description string
}

type topicRecord struct {
	ID string `json:"Id"`
}

type queryResponse struct {
	Records []topicRecord `json:"records"`
}

type saveError struct {
	StatusCode string `json:"statusCode"`
	Message    string `json:"message"`
}

type saveResponse struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Errors  []saveError `json:"errors"`
}

// PublishTopic creates the named push topic, or updates the query and
// description of an existing one. It returns the topic record id.
func (c *Client) PublishTopic(ctx context.Context, topic Topic) (string, error) {
	var found queryResponse
	soql := fmt.Sprintf("SELECT Id FROM PushTopic WHERE Name = '%s'", strings.ReplaceAll(topic.Name, "'", `\'`))
	err := c.do(ctx, func(rb *requests.Builder) *requests.Builder {
		return rb.
			Path(c.dataPath("/query/")).
			Param("q", soql).
			ToJSON(&found)
	})
	if err != nil {
		return "", fmt.Errorf("find topic %s: %w", topic.Name, err)
	}

	fields := map[string]any{"Query": topic.Query}
	if topic.Description != "" {
		fields["Description"] = topic.Description
	}

	if len(found.Records) > 0 {
		id := found.Records[0].ID
		c.log.Sugar().Infow("Updating push topic", "topic", topic.Name, "id", id)
		err = c.do(ctx, func(rb *requests.Builder) *requests.Builder {
			return rb.
				Method(http.MethodPatch).
				Path(c.dataPath("/sobjects/PushTopic/%s", id)).
				BodyJSON(fields)
		})
		if err != nil {
			return "", fmt.Errorf("update topic %s: %w", topic.Name, err)
		}
		return id, nil
	}

	fields["Name"] = topic.Name
	fields["ApiVersion"] = json.Number(c.apiVersion)

	c.log.Sugar().Infow("Creating push topic", "topic", topic.Name)
	var saved saveResponse
	err = c.do(ctx, func(rb *requests.Builder) *requests.Builder {
		return rb.
			Path(c.dataPath("/sobjects/PushTopic/")).
			BodyJSON(fields).
			ToJSON(&saved)
	})
	if err != nil {
		return "", fmt.Errorf("create topic %s: %w", topic.Name, err)
	}
	if !saved.Success {
		if len(saved.Errors) > 0 {
			return "", fmt.Errorf("create topic %s: %s: %s", topic.Name, saved.Errors[0].StatusCode, saved.Errors[0].Message)
		}
		return "", fmt.Errorf("create topic %s: rejected", topic.Name)
	}
	return saved.ID, nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(remoteTimeLayout, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
