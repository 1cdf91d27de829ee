package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
)

// RedisStore keeps send records and cooldowns in two hashes under prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
	}
}

// redisRecord adds the content, which SendRecord leaves out of its JSON.
type redisRecord struct {
	model.SendRecord
	Content string `json:"content"`
}

func (s *RedisStore) recordsKey() string   { return s.prefix + "send_records" }
func (s *RedisStore) cooldownsKey() string { return s.prefix + "recipient_cooldowns" }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) SaveRecord(ctx context.Context, rec model.SendRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.recordsKey(), rec.CampaignID, data).Err()
}

func (s *RedisStore) SaveCooldowns(ctx context.Context, stamps map[string]time.Time) error {
	if len(stamps) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(stamps))
	for id, at := range stamps {
		values[id] = at.UnixMilli()
	}
	return s.client.HSet(ctx, s.cooldownsKey(), values).Err()
}

func (s *RedisStore) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	records, cooldowns, err := s.Load(ctx)
	if err != nil {
		return err
	}

	var staleRecords, staleCooldowns []string
	for _, rec := range records {
		if rec.Status != model.StatusPending && rec.Timestamp.Before(cutoff) {
			staleRecords = append(staleRecords, rec.CampaignID)
		}
	}
	for id, at := range cooldowns {
		if at.Before(cutoff) {
			staleCooldowns = append(staleCooldowns, id)
		}
	}

	if len(staleRecords) == 0 && len(staleCooldowns) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	if len(staleRecords) > 0 {
		pipe.HDel(ctx, s.recordsKey(), staleRecords...)
	}
	if len(staleCooldowns) > 0 {
		pipe.HDel(ctx, s.cooldownsKey(), staleCooldowns...)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context) ([]model.SendRecord, map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, s.recordsKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load send records: %w", err)
	}
	records := make([]model.SendRecord, 0, len(raw))
	for _, data := range raw {
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}

	rawCD, err := s.client.HGetAll(ctx, s.cooldownsKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load cooldowns: %w", err)
	}
	cooldowns, err := decodeCooldowns(rawCD)
	if err != nil {
		return nil, nil, err
	}
	return records, cooldowns, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeRecord(rec model.SendRecord) (string, error) {
	data, err := json.Marshal(redisRecord{SendRecord: rec, Content: rec.Content})
	if err != nil {
		return "", fmt.Errorf("encode send record %s: %w", rec.CampaignID, err)
	}
	return string(data), nil
}

func decodeRecord(data string) (model.SendRecord, error) {
	var rr redisRecord
	if err := json.Unmarshal([]byte(data), &rr); err != nil {
		return model.SendRecord{}, fmt.Errorf("decode send record: %w", err)
	}
	rec := rr.SendRecord
	rec.Content = rr.Content
	return rec, nil
}

func decodeCooldowns(raw map[string]string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(raw))
	for id, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode cooldown %s: %w", id, err)
		}
		out[id] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}
