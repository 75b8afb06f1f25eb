package lib

import (
	"context"
	"fmt"
	"strings"

	"github.com/fiffu/recordwatch/lib/remote"
	"go.uber.org/zap"
)

// The remote store caps topic names at 25 characters.
const maxTopicNameLength = 25

type publishTopic struct {
	log    *zap.Logger
	remote *remote.Client
}

// PublishTopic creates or updates the push topic behind topic, so that
// records matching query are published on its channel.
func (svc *publishTopic) PublishTopic(ctx context.Context, topic, query, description string) (*remote.Topic, error) {
	channel, err := TopicChannel(topic)
	if err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(channel, topicPrefix)
	if len(name) > maxTopicNameLength {
		return nil, fmt.Errorf("%w: topic name is longer than %d characters: %s", ErrInvalidArgument, maxTopicNameLength, name)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}

	published := &remote.Topic{Name: name, Query: query, Description: description}
	published.ID, err = svc.remote.PublishTopic(ctx, *published)
	if err != nil {
		return nil, err
	}
	svc.log.Sugar().Infow("Published topic", "channel", channel, "id", published.ID)
	return published, nil
}
