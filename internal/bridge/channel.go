package bridge

import (
	"context"
	"errors"

	"github.com/monoblaine/background-downloader/internal/domain"
)

// ErrListenerSaturated is returned when the host is not draining its
// channels; the bridge reacts by buffering durably.
var ErrListenerSaturated = errors.New("listener channel full")

// ChannelListener delivers updates over Go channels for in-process hosts
// and tests. A full channel counts as failed delivery rather than blocking
// the event pump.
type ChannelListener struct {
	status   chan domain.StatusUpdate
	progress chan domain.ProgressUpdate
}

var _ Listener = (*ChannelListener)(nil)

// NewChannelListener creates a listener whose channels buffer up to n
// updates each.
func NewChannelListener(n int) *ChannelListener {
	return &ChannelListener{
		status:   make(chan domain.StatusUpdate, n),
		progress: make(chan domain.ProgressUpdate, n),
	}
}

// Status is the host's read side for status updates.
func (c *ChannelListener) Status() <-chan domain.StatusUpdate { return c.status }

// Progress is the host's read side for progress updates.
func (c *ChannelListener) Progress() <-chan domain.ProgressUpdate { return c.progress }

func (c *ChannelListener) OnStatus(_ context.Context, u domain.StatusUpdate) error {
	select {
	case c.status <- u:
		return nil
	default:
		return ErrListenerSaturated
	}
}

func (c *ChannelListener) OnProgress(_ context.Context, u domain.ProgressUpdate) error {
	select {
	case c.progress <- u:
		return nil
	default:
		return ErrListenerSaturated
	}
}
