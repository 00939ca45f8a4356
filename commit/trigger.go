package commit

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"reduction.dev/tablesink/partition"
)

const (
	TriggerProcessTime   = "process-time"
	TriggerPartitionTime = "partition-time"
)

// PartitionContext is what a trigger knows about a partition when asked
// whether it may be committed.
type PartitionContext struct {
	Spec partition.Spec
	// The latest processing time any instance wrote a row to the partition.
	LastWrite time.Time
	// The minimum watermark across instances. Zero until every instance has
	// seen event time.
	Watermark time.Time
	Now       time.Time
}

type Trigger interface {
	IsCommittable(pc PartitionContext) (bool, error)
}

// ProcessTimeTrigger commits a partition once delay has passed since it last
// received a row.
type ProcessTimeTrigger struct {
	Delay time.Duration
}

func (t ProcessTimeTrigger) IsCommittable(pc PartitionContext) (bool, error) {
	if t.Delay <= 0 {
		return true, nil
	}
	return !pc.Now.Before(pc.LastWrite.Add(t.Delay)), nil
}

// PartitionTimeTrigger commits a partition once the watermark passes the
// time the partition represents plus delay.
type PartitionTimeTrigger struct {
	Delay     time.Duration
	extractor *partition.TimeExtractor
	cache     *lru.Cache[string, time.Time]
}

const extractedTimeCacheSize = 4096

func NewPartitionTimeTrigger(delay time.Duration, extractor *partition.TimeExtractor) *PartitionTimeTrigger {
	cache, err := lru.New[string, time.Time](extractedTimeCacheSize)
	if err != nil {
		panic(err) // only fails for non-positive sizes
	}
	return &PartitionTimeTrigger{Delay: delay, extractor: extractor, cache: cache}
}

func (t *PartitionTimeTrigger) IsCommittable(pc PartitionContext) (bool, error) {
	partitionTime, err := t.partitionTime(pc.Spec)
	if err != nil {
		return false, err
	}
	if t.Delay <= 0 {
		return true, nil
	}
	if pc.Watermark.IsZero() {
		return false, nil
	}
	return !pc.Watermark.Add(-t.Delay).Before(partitionTime), nil
}

func (t *PartitionTimeTrigger) partitionTime(spec partition.Spec) (time.Time, error) {
	key := spec.Path()
	if ts, ok := t.cache.Get(key); ok {
		return ts, nil
	}
	ts, err := t.extractor.Extract(spec)
	if err != nil {
		return time.Time{}, err
	}
	t.cache.Add(key, ts)
	return ts, nil
}

// NewTrigger builds the trigger named by kind. The extractor is only needed for
// partition-time triggers.
func NewTrigger(kind string, delay time.Duration, extractor *partition.TimeExtractor) (Trigger, error) {
	if delay < 0 {
		return nil, fmt.Errorf("commit delay must not be negative, got %s", delay)
	}
	switch kind {
	case TriggerProcessTime, "":
		return ProcessTimeTrigger{Delay: delay}, nil
	case TriggerPartitionTime:
		if extractor == nil {
			return nil, fmt.Errorf("%s trigger requires a partition time extractor", TriggerPartitionTime)
		}
		return NewPartitionTimeTrigger(delay, extractor), nil
	default:
		return nil, fmt.Errorf("unknown partition commit trigger %q", kind)
	}
}
