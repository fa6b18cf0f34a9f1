// Package jobs is the asynchronous trigger boundary for audit pack
// generation: a Redis list carries one job per requested pack, and the
// consumer invokes the orchestrator once per job. Retry and alerting policy
// live here, not in the orchestrator.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const queueKey = "auditpack:jobs"

// popTimeout bounds each blocking pop so the consumer notices context
// cancellation promptly.
const popTimeout = 5 * time.Second

// Payload identifies one generation job. Both fields are required; a job
// missing either is rejected before generation starts.
type Payload struct {
	RequestID      string `json:"request_id"`
	OrganizationID string `json:"organization_id"`
}

func (p Payload) validate() error {
	if p.RequestID == "" {
		return errors.New("job payload missing request_id")
	}
	if p.OrganizationID == "" {
		return errors.New("job payload missing organization_id")
	}
	return nil
}

type generator interface {
	Generate(ctx context.Context, requestID, organizationID string) error
}

// Queue publishes generation jobs.
type Queue struct {
	client *redis.Client
}

func NewQueue(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Queue{client: client}, nil
}

// NewQueueWithClient creates a queue from an existing Redis client.
func NewQueueWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Enqueue(ctx context.Context, payload Payload) error {
	if err := payload.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue audit pack job: %w", err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Consumer pops jobs and runs the orchestrator. Job-level failures are
// logged and the loop continues; the failed request row carries the error
// detail for operators.
type Consumer struct {
	client    *redis.Client
	generator generator
	log       zerolog.Logger
}

func NewConsumer(client *redis.Client, generator generator, log zerolog.Logger) *Consumer {
	return &Consumer{client: client, generator: generator, log: log}
}

// Run consumes jobs until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info().Str("queue", queueKey).Msg("audit pack consumer started")
	for {
		if ctx.Err() != nil {
			c.log.Info().Msg("audit pack consumer stopped")
			return
		}
		if err := c.processNext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Msg("audit pack job failed")
		}
	}
}

// processNext blocks for one job and runs it. A pop timeout with no job is
// not an error.
func (c *Consumer) processNext(ctx context.Context) error {
	result, err := c.client.BRPop(ctx, popTimeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pop audit pack job: %w", err)
	}
	// BRPop returns key then value.
	raw := result[1]

	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	if err := payload.validate(); err != nil {
		return err
	}

	c.log.Info().
		Str("request_id", payload.RequestID).
		Str("organization_id", payload.OrganizationID).
		Msg("processing audit pack job")
	return c.generator.Generate(ctx, payload.RequestID, payload.OrganizationID)
}
