// Package bus is the in-process event transport: named topics split into
// partitions, with per-group offsets and at-least-once delivery. Events
// carrying the same security id land on the same partition, so per-security
// ordering holds end to end.
package bus

import (
	"context"
	"hash/fnv"
	"sync"

	"ims/internal/domain"
)

// Topic names. Ingress carries everything inbound; egress topics fan results
// out to downstream consumers.
const (
	TopicIngress   = "ims.ingress"
	TopicPositions = "ims.positions"
	TopicInventory = "ims.inventory"
	TopicLocates   = "ims.locates"
	TopicOrders    = "ims.orders"
)

// Delivery is one event handed to a consumer. The consumer must Ack the
// offset once processing finishes; an unacked delivery is handed out again
// on the next poll.
type Delivery struct {
	Event     *domain.Event
	Partition int
	Offset    int64
}

// Bus owns every topic. Topics are created lazily with the bus's partition
// count and watermarks.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*Topic
	partitions int
	high       int
	low        int
}

// New creates a bus. Publishing to a partition holding high or more pending
// events fails with a Transient error until the depth drains below low.
func New(partitions, high, low int) *Bus {
	if partitions < 1 {
		partitions = 1
	}
	return &Bus{
		topics:     make(map[string]*Topic),
		partitions: partitions,
		high:       high,
		low:        low,
	}
}

// Topic returns the named topic, creating it on first use.
func (b *Bus) Topic(name string) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = newTopic(name, b.partitions, b.high, b.low)
		b.topics[name] = t
	}
	return t
}

// Partitions returns the per-topic partition count.
func (b *Bus) Partitions() int { return b.partitions }

// Topic is one named, partitioned event log.
type Topic struct {
	name       string
	partitions []*partition
	high       int
	low        int
}

func newTopic(name string, n, high, low int) *Topic {
	t := &Topic{name: name, high: high, low: low}
	for i := 0; i < n; i++ {
		t.partitions = append(t.partitions, &partition{
			groups: make(map[string]int64),
			notify: make(chan struct{}, 1),
		})
	}
	return t
}

// PartitionFor maps a partition key to its partition index. Events without a
// security id hash their event id instead so they still land somewhere
// deterministic.
func (t *Topic) PartitionFor(ev *domain.Event) int {
	key := ev.SecurityID
	if key == "" {
		key = ev.EventID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(t.partitions)
}

// Publish appends an event to its partition. Above the high watermark the
// append is refused with a Transient error until the partition drains below
// the low watermark; callers treat that as backpressure, not data loss.
// A topic nobody has subscribed to accepts and discards the event: retaining
// it would only grow the partition until backpressure wedges the producer.
func (t *Topic) Publish(ev *domain.Event) error {
	p := t.partitions[t.PartitionFor(ev)]
	p.mu.Lock()
	if len(p.groups) == 0 {
		p.baseOffset++
		p.mu.Unlock()
		return nil
	}
	depth := len(p.entries)
	if p.saturated {
		if depth >= t.low {
			p.mu.Unlock()
			return domain.NewTransient("partition backpressure on "+t.name, nil)
		}
		p.saturated = false
	} else if t.high > 0 && depth >= t.high {
		p.saturated = true
		p.mu.Unlock()
		return domain.NewTransient("partition backpressure on "+t.name, nil)
	}
	p.entries = append(p.entries, ev)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Consumer registers a consumer group on this topic. A group's offsets start
// at the current tail so a late subscriber does not replay history.
func (t *Topic) Consumer(group string) *Consumer {
	for _, p := range t.partitions {
		p.mu.Lock()
		if _, ok := p.groups[group]; !ok {
			p.groups[group] = p.baseOffset + int64(len(p.entries))
		}
		p.mu.Unlock()
	}
	return &Consumer{topic: t, group: group}
}

// Depth returns pending events per partition for a group.
func (t *Topic) Depth(group string) []int {
	out := make([]int, len(t.partitions))
	for i, p := range t.partitions {
		p.mu.Lock()
		next := p.groups[group]
		out[i] = int(p.baseOffset + int64(len(p.entries)) - next)
		p.mu.Unlock()
	}
	return out
}

type partition struct {
	mu         sync.Mutex
	entries    []*domain.Event
	baseOffset int64
	groups     map[string]int64 // group -> next offset to deliver
	saturated  bool
	notify     chan struct{}
}

// Consumer reads one topic on behalf of a group.
type Consumer struct {
	topic *Topic
	group string
}

// Poll blocks until an event is available on the partition or ctx is done.
// The returned delivery stays pending until Ack; polling again without
// acking redelivers the same event.
func (c *Consumer) Poll(ctx context.Context, partitionIdx int) (*Delivery, error) {
	p := c.topic.partitions[partitionIdx]
	for {
		p.mu.Lock()
		next := p.groups[c.group]
		if idx := next - p.baseOffset; idx < int64(len(p.entries)) {
			ev := p.entries[idx]
			p.mu.Unlock()
			return &Delivery{Event: ev, Partition: partitionIdx, Offset: next}, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack commits an offset for the group and trims entries no group still
// needs.
func (c *Consumer) Ack(partitionIdx int, offset int64) {
	p := c.topic.partitions[partitionIdx]
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.groups[c.group] == offset {
		p.groups[c.group] = offset + 1
	}

	min := int64(-1)
	for _, next := range p.groups {
		if min < 0 || next < min {
			min = next
		}
	}
	if min > p.baseOffset {
		drop := min - p.baseOffset
		p.entries = append([]*domain.Event(nil), p.entries[drop:]...)
		p.baseOffset = min
	}
}
