package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/monoblaine/background-downloader/internal/bridge"
	"github.com/monoblaine/background-downloader/internal/domain"
)

const (
	// DefaultStatusTopic carries status updates, keyed by task ID.
	DefaultStatusTopic = "transfers.status"
	// DefaultProgressTopic carries progress updates, keyed by task ID.
	DefaultProgressTopic = "transfers.progress"
)

// Relay is a bridge listener that forwards updates to Kafka. A failed
// publish is reported back to the bridge, which buffers the update durably,
// so a broker outage degrades to catch-up-by-pop instead of losing events.
type Relay struct {
	producer      Producer
	statusTopic   string
	progressTopic string
}

var _ bridge.Listener = (*Relay)(nil)

// NewRelay creates a relay publishing to the given topics; empty topic
// names fall back to the defaults.
func NewRelay(producer Producer, statusTopic, progressTopic string) *Relay {
	if statusTopic == "" {
		statusTopic = DefaultStatusTopic
	}
	if progressTopic == "" {
		progressTopic = DefaultProgressTopic
	}
	return &Relay{producer: producer, statusTopic: statusTopic, progressTopic: progressTopic}
}

func (r *Relay) OnStatus(ctx context.Context, u domain.StatusUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal status update for %s: %w", u.TaskID, err)
	}
	return r.producer.Publish(ctx, r.statusTopic, u.TaskID, data)
}

func (r *Relay) OnProgress(ctx context.Context, u domain.ProgressUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal progress update for %s: %w", u.TaskID, err)
	}
	return r.producer.Publish(ctx, r.progressTopic, u.TaskID, data)
}
