package websocket

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/model"
)

// EventsChannel is the Redis channel job events travel on between the
// worker and API processes.
const EventsChannel = "taleforge:job_events"

// RedisPublisher sends job events to Redis. Workers running outside the API
// process use it as their pipeline.Notifier.
type RedisPublisher struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewRedisPublisher(rdb *redis.Client, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, logger: logger.With().Str("component", "event_publisher").Logger()}
}

func (p *RedisPublisher) JobStatus(jobID string, status model.JobStatus, stage model.Stage) {
	p.publish(jobID, model.WSStatusMessage{Type: model.WSMessageTypeStatus, JobID: jobID, Status: status, Stage: stage})
}

func (p *RedisPublisher) PageStatus(jobID string, stage model.Stage, pageNum int, status model.PageRegenerationStatus) {
	p.publish(jobID, model.WSPageMessage{Type: model.WSMessageTypePage, JobID: jobID, Stage: stage, PageNum: pageNum, Status: status})
}

func (p *RedisPublisher) publish(jobID string, v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to marshal event")
		return
	}
	data, err := json.Marshal(BroadcastMessage{JobID: jobID, Message: msg})
	if err != nil {
		return
	}
	if err := p.rdb.Publish(context.Background(), EventsChannel, data).Err(); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish event")
	}
}

// Relay forwards events published on Redis to the hub until ctx is done.
func (h *Hub) Relay(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, EventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg BroadcastMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				h.logger.Warn().Err(err).Msg("Dropping malformed event")
				continue
			}
			h.Publish(&msg)
		}
	}
}
