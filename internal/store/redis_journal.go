package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// stepBeginScript returns {1, record} when the step already succeeded, {0, ""} when the caller
// took the in-flight lock and {2, ""} when someone else holds it.
var stepBeginScript = redis.NewScript(`
local done = redis.call("GET", KEYS[1])
if done then
  return {1, done}
end
local locked = redis.call("SET", KEYS[2], ARGV[1], "NX", "PX", ARGV[2])
if locked then
  return {0, ""}
end
return {2, ""}
`)

// RedisStepJournal implements StepJournal using Redis.
type RedisStepJournal struct {
	client    redis.UniversalClient
	prefix    string
	recordTTL time.Duration
	lockTTL   time.Duration
}

func NewRedisStepJournal(client redis.UniversalClient, prefix string, recordTTL, lockTTL time.Duration) *RedisStepJournal {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "clearing:journal"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if lockTTL < time.Second {
		lockTTL = time.Second
	}

	return &RedisStepJournal{
		client:    client,
		prefix:    trimmedPrefix,
		recordTTL: recordTTL,
		lockTTL:   lockTTL,
	}
}

func (j *RedisStepJournal) Begin(ctx context.Context, movementID, step string) (*JournalRecord, error) {
	doneKey, lockKey := j.keys(movementID, step)

	rawResult, err := stepBeginScript.Run(ctx, j.client, []string{doneKey, lockKey}, time.Now().UTC().Format(time.RFC3339Nano), j.lockTTL.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("journal begin: %w", err)
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("unexpected journal response shape: %T", rawResult)
	}
	status, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected journal status type: %T", values[0])
	}

	switch status {
	case 0:
		return nil, nil
	case 2:
		return nil, ErrStepInFlight
	}

	payload, _ := values[1].(string)
	var record JournalRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
	}
	return &record, nil
}

func (j *RedisStepJournal) Complete(ctx context.Context, movementID, step string, record JournalRecord) error {
	doneKey, lockKey := j.keys(movementID, step)
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}

	_, err = j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, doneKey, blob, j.recordTTL)
		pipe.Del(ctx, lockKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal complete: %w", err)
	}
	return nil
}

func (j *RedisStepJournal) Abandon(ctx context.Context, movementID, step string) error {
	_, lockKey := j.keys(movementID, step)
	if err := j.client.Del(ctx, lockKey).Err(); err != nil {
		return fmt.Errorf("journal abandon: %w", err)
	}
	return nil
}

// keys returns the result and lock keys of a step. Both share the {movementID:step} hash tag so
// the script and the pipeline stay on one Redis Cluster slot.
func (j *RedisStepJournal) keys(movementID, step string) (doneKey, lockKey string) {
	doneKey = j.prefix + ":{" + movementID + ":" + step + "}"
	return doneKey, doneKey + ":lock"
}
