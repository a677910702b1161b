// Package queue announces pending work tickets on Redis for the agent runtime.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"work-orchestrator/internal/models"
)

// labels lists the pending lists, most urgent first.
var labels = []string{models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal, models.PriorityLow}

// Announcement is the payload pushed and published for every new ticket.
type Announcement struct {
	WorkTicketID  string    `json:"work_ticket_id"`
	WorkRequestID string    `json:"work_request_id"`
	WorkspaceID   string    `json:"workspace_id"`
	BasketID      string    `json:"basket_id"`
	AgentType     string    `json:"agent_type"`
	Priority      int       `json:"priority"`
	Mode          string    `json:"mode"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}

// Feed pushes pending ticket ids onto per-priority lists and notifies subscribers.
type Feed struct {
	client  redis.UniversalClient
	prefix  string
	channel string
}

// NewFeed builds a feed with the given key prefix and pub/sub channel.
func NewFeed(client redis.UniversalClient, prefix, channel string) *Feed {
	if prefix == "" {
		prefix = "work"
	}
	return &Feed{client: client, prefix: prefix, channel: channel}
}

// PendingKey is the list that holds tickets of the given priority label.
func (f *Feed) PendingKey(label string) string {
	return fmt.Sprintf("%s:pending:%s", f.prefix, label)
}

// Announce appends the ticket to its pending list and publishes it.
func (f *Feed) Announce(ctx context.Context, t models.WorkTicket) error {
	payload, err := json.Marshal(Announcement{
		WorkTicketID:  t.ID,
		WorkRequestID: t.WorkRequestID,
		WorkspaceID:   t.WorkspaceID,
		BasketID:      t.BasketID,
		AgentType:     t.AgentType,
		Priority:      t.Priority,
		Mode:          t.Mode,
		Source:        t.Source,
		CreatedAt:     t.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}

	pipe := f.client.TxPipeline()
	pipe.RPush(ctx, f.PendingKey(models.PriorityLabel(t.Priority)), t.ID)
	if f.channel != "" {
		pipe.Publish(ctx, f.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("announce ticket %s: %w", t.ID, err)
	}
	return nil
}

// Peek returns up to count ticket ids, most urgent list first.
func (f *Feed) Peek(ctx context.Context, count int64) ([]string, error) {
	var out []string
	for _, l := range labels {
		if int64(len(out)) >= count {
			break
		}
		ids, err := f.client.LRange(ctx, f.PendingKey(l), 0, count-int64(len(out))-1).Result()
		if err != nil {
			return nil, fmt.Errorf("peek %s: %w", l, err)
		}
		out = append(out, ids...)
	}
	return out, nil
}

// Depth returns the total length of all pending lists.
func (f *Feed) Depth(ctx context.Context) (int64, error) {
	pipe := f.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(labels))
	for _, l := range labels {
		cmds = append(cmds, pipe.LLen(ctx, f.PendingKey(l)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("feed depth: %w", err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}
