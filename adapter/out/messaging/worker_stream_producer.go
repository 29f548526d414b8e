// Package messaging publishes pipeline events to Redis Streams and consumes
// control commands from them.
package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

// Stream names
const (
	StreamConnectionEvents = "mailbox:events"
	StreamPollReports      = "mailbox:polls"
	StreamCommands         = "mailbox:commands"

	// Approximate cap per stream; XADD trims with MAXLEN ~.
	streamMaxLen = 10000

	pollStatusKeyPrefix = "mailbox:status:"
	pollStatusTTL       = 24 * time.Hour
)

// RedisPublisher implements out.EventPublisher using Redis Streams. The last
// poll report of each connection is also kept in a hash for quick lookups.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) PublishConnectionEvent(ctx context.Context, evt *domain.ConnectionEvent) error {
	return p.publish(ctx, StreamConnectionEvents, evt)
}

func (p *RedisPublisher) PublishPollReport(ctx context.Context, report *out.PollReport) error {
	if err := p.publish(ctx, StreamPollReports, report); err != nil {
		return err
	}
	key := pollStatusKeyPrefix + report.ConnectionID
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, pollStatusFields(report, time.Now().UTC()))
	pipe.Expire(ctx, key, pollStatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set poll status: %w", err)
	}
	return nil
}

// LastPoll returns the stored summary of the last poll, or nil if none.
func (p *RedisPublisher) LastPoll(ctx context.Context, connectionID string) (*out.PollReport, error) {
	result, err := p.client.HGetAll(ctx, pollStatusKeyPrefix+connectionID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get poll status: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return pollReportFromFields(connectionID, result), nil
}

func pollStatusFields(r *out.PollReport, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"user_id":     r.UserID,
		"email":       r.Email,
		"fetched":     r.Fetched,
		"ingested":    r.Ingested,
		"duplicates":  r.Duplicates,
		"responded":   r.Responded,
		"failed":      r.Failed,
		"duration_ms": r.DurationMS,
		"at":          at.Format(time.RFC3339),
	}
}

func pollReportFromFields(connectionID string, f map[string]string) *out.PollReport {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(f[k])
		return n
	}
	dur, _ := strconv.ParseInt(f["duration_ms"], 10, 64)
	return &out.PollReport{
		ConnectionID: connectionID,
		UserID:       f["user_id"],
		Email:        f["email"],
		Fetched:      atoi("fetched"),
		Ingested:     atoi("ingested"),
		Duplicates:   atoi("duplicates"),
		Responded:    atoi("responded"),
		Failed:       atoi("failed"),
		DurationMS:   dur,
	}
}

// Publish writes an arbitrary payload to a stream. Used for commands.
func (p *RedisPublisher) Publish(ctx context.Context, stream string, payload interface{}) error {
	return p.publish(ctx, stream, payload)
}

func (p *RedisPublisher) publish(ctx context.Context, stream string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

var _ out.EventPublisher = (*RedisPublisher)(nil)
