package senders

import (
	"context"
	"fmt"

	"github.com/fiffu/recordwatch/lib/models"
)

// logSender writes change notifications to the application log, for
// deployments without an outbound channel.
type logSender struct {
	base
}

func (l *logSender) SendChanges(ctx context.Context, recipient string, change *models.ChangeLog) (string, error) {
	l.log.Sugar().Infow(
		fmt.Sprintf("%d changed %s record(s)", change.RecordCount, change.EntityType),
		"recipient", recipient,
		"batch_id", change.BatchID,
		"source", change.Source,
		"channel", change.Channel,
		"record_ids", change.RecordIDs,
		"digest", change.PayloadDigest,
	)
	return change.BatchID, nil
}
