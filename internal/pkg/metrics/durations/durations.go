package durations

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/app/repository"
	"github.com/promokit/promokit/internal/pkg/cache"
)

const (
	sampleSumKey   = "durations:samples:sum"
	sampleCountKey = "durations:samples:count"
)

// AddSample buffers one observed job runtime in Redis. Workers call this on
// every finished job; the flusher folds the buffer into job_durations in
// batches so the hot path never writes that table.
func AddSample(plan string, service models.ServiceType, mode models.GenerationMode, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	ctx := context.Background()
	rdb := cache.GetClient()
	field := sampleField(plan, service, mode)
	if err := rdb.HIncrByFloat(ctx, sampleSumKey, field, seconds).Err(); err != nil {
		return err
	}
	return rdb.HIncrBy(ctx, sampleCountKey, field, 1).Err()
}

// FlushAll drains the buffered samples and applies them to the duration
// table. Uses RENAME to temporary keys for an atomic drain that never loses
// in-flight samples.
func FlushAll(durations repository.DurationRepository) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	suffix := time.Now().UnixNano()
	tmpSum := fmt.Sprintf("%s:tmp:%d", sampleSumKey, suffix)
	tmpCount := fmt.Sprintf("%s:tmp:%d", sampleCountKey, suffix)

	if err := rdb.Do(ctx, "RENAME", sampleSumKey, tmpSum).Err(); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return err
	}
	defer rdb.Del(ctx, tmpSum)

	if err := rdb.Do(ctx, "RENAME", sampleCountKey, tmpCount).Err(); err != nil {
		if !isNoSuchKey(err) {
			return err
		}
	}
	defer rdb.Del(ctx, tmpCount)

	sums, err := rdb.HGetAll(ctx, tmpSum).Result()
	if err != nil {
		return err
	}
	counts, err := rdb.HGetAll(ctx, tmpCount).Result()
	if err != nil {
		return err
	}

	for field, sumStr := range sums {
		plan, service, mode, ok := parseField(field)
		if !ok {
			continue
		}
		sum, serr := strconv.ParseFloat(sumStr, 64)
		count, cerr := strconv.ParseInt(counts[field], 10, 64)
		if serr != nil || cerr != nil || count <= 0 || sum <= 0 {
			continue
		}
		if err := durations.ApplyAggregate(plan, service, mode, sum, count); err != nil {
			return err
		}
	}
	return nil
}

func sampleField(plan string, service models.ServiceType, mode models.GenerationMode) string {
	return fmt.Sprintf("%s|%s|%s", plan, service, mode)
}

func parseField(field string) (plan string, service models.ServiceType, mode models.GenerationMode, ok bool) {
	parts := strings.Split(field, "|")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], models.ServiceType(parts[1]), models.GenerationMode(parts[2]), true
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such key") || msg == "redis: nil"
}
