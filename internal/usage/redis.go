package usage

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	modelsKey = "ollama:usage:models"

	fieldRequests  = "requests"
	fieldPrompt    = "prompt_tokens"
	fieldGenerated = "generated_tokens"
)

// RedisStore implements Store with one hash per model and a set of known models,
// so totals survive proxy restarts and can be shared between replicas.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

func (r *RedisStore) usageKey(model string) string {
	return fmt.Sprintf("ollama:usage:model:%s", model)
}

// AddUsage increments the model's hash fields in a single transaction.
func (r *RedisStore) AddUsage(ctx context.Context, rec Record) error {
	key := r.usageKey(rec.Model)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldRequests, 1)
		pipe.HIncrBy(ctx, key, fieldPrompt, rec.PromptTokens)
		pipe.HIncrBy(ctx, key, fieldGenerated, rec.GeneratedTokens)
		pipe.SAdd(ctx, modelsKey, rec.Model)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis usage increment: %w", err)
	}
	return nil
}

// GetUsage retrieves the totals tracked for model.
func (r *RedisStore) GetUsage(ctx context.Context, model string) (Usage, error) {
	fields, err := r.client.HGetAll(ctx, r.usageKey(model)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("redis hgetall error: %w", err)
	}
	return parseUsage(model, fields)
}

// ListUsage returns every model's totals sorted by model name.
func (r *RedisStore) ListUsage(ctx context.Context) ([]Usage, error) {
	models, err := r.client.SMembers(ctx, modelsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers error: %w", err)
	}
	sort.Strings(models)

	cmds := make([]*redis.MapStringStringCmd, len(models))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, model := range models {
			cmds[i] = pipe.HGetAll(ctx, r.usageKey(model))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis usage list: %w", err)
	}

	out := make([]Usage, 0, len(models))
	for i, model := range models {
		u, err := parseUsage(model, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func parseUsage(model string, fields map[string]string) (Usage, error) {
	u := Usage{Model: model}
	targets := map[string]*int64{
		fieldRequests:  &u.Requests,
		fieldPrompt:    &u.PromptTokens,
		fieldGenerated: &u.GeneratedTokens,
	}
	for name, dst := range targets {
		val, ok := fields[name]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return Usage{}, fmt.Errorf("invalid %s value in redis: %w", name, err)
		}
		*dst = n
	}
	return u, nil
}
