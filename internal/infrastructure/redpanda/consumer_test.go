package redpanda

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

func rec(topic string, partition int32, offset int64) *kgo.Record {
	return &kgo.Record{Topic: topic, Partition: partition, Offset: offset, LeaderEpoch: 3}
}

func offsets(rs []*kgo.Record) map[int32][]int64 {
	out := map[int32][]int64{}
	for _, r := range rs {
		out[r.Partition] = append(out[r.Partition], r.Offset)
	}
	return out
}

func TestSettle_AllSucceeded(t *testing.T) {
	marks, rewind := settle([]result{
		{record: rec(TopicOrderEvents, 0, 5)},
		{record: rec(TopicOrderEvents, 0, 6)},
		{record: rec(TopicOrderEvents, 1, 2)},
	})

	assert.Equal(t, map[int32][]int64{0: {5, 6}, 1: {2}}, offsets(marks))
	assert.Empty(t, rewind)
}

func TestSettle_FailureStopsPartition(t *testing.T) {
	boom := errors.New("generator unavailable")
	marks, rewind := settle([]result{
		{record: rec(TopicOrderEvents, 0, 6)},
		{record: rec(TopicOrderEvents, 0, 5), err: boom},
		{record: rec(TopicOrderEvents, 0, 4)},
		{record: rec(TopicOrderEvents, 1, 9)},
	})

	// Offset 6 succeeded but marking it would commit past 5.
	assert.Equal(t, map[int32][]int64{0: {4}, 1: {9}}, offsets(marks))
	assert.Equal(t, map[string]map[int32]kgo.EpochOffset{
		TopicOrderEvents: {0: {Epoch: 3, Offset: 5}},
	}, rewind)
}

func TestSettle_FirstRecordFails(t *testing.T) {
	marks, rewind := settle([]result{
		{record: rec(TopicOrderEvents, 2, 10), err: errors.New("db down")},
		{record: rec(TopicOrderEvents, 2, 11)},
	})

	assert.Empty(t, marks)
	assert.Equal(t, int64(10), rewind[TopicOrderEvents][2].Offset)
}
