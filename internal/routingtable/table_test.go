package routingtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_LocalSubscriptionsKeepOrder(t *testing.T) {
	table := NewTable[string]()
	topic := table.GetOrCreate("orders", "node-a")

	topic.AddLocal("s3", "third")
	topic.AddLocal("s1", "first")
	topic.AddLocal("s2", "second")
	assert.Equal(t, []string{"third", "first", "second"}, topic.LocalSubscriptions())

	sub, ok := topic.RemoveLocal("s1")
	require.True(t, ok)
	assert.Equal(t, "first", sub)
	_, ok = topic.RemoveLocal("s1")
	assert.False(t, ok)

	assert.Equal(t, []string{"third", "second"}, topic.LocalSubscriptions())
	assert.Equal(t, 2, topic.LocalCount())
	assert.Equal(t, "node-a", topic.Owner)
}

func TestTopic_Interest(t *testing.T) {
	topic := NewTable[string]().GetOrCreate("orders", "node-a")

	topic.AddInterest("node-c", "c1", false, 1)
	topic.AddInterest("node-b", "b1", false, 2)
	topic.AddInterest("node-c", "c2", false, 3)

	assert.Equal(t, []string{"node-c", "node-b"}, topic.InterestedHosts())
	assert.True(t, topic.HasInterest("node-c", "c2"))
	assert.Equal(t, []Interest{
		{Host: "node-c", SubscriptionIDs: []string{"c1", "c2"}},
		{Host: "node-b", SubscriptionIDs: []string{"b1"}},
	}, topic.Interest())

	assert.True(t, topic.RemoveInterest("node-c", "c1"))
	assert.False(t, topic.RemoveInterest("node-c", "c1"))
	assert.Equal(t, []string{"node-c", "node-b"}, topic.InterestedHosts())

	assert.True(t, topic.RemoveInterest("node-c", "c2"))
	assert.Equal(t, []string{"node-b"}, topic.InterestedHosts())

	assert.Equal(t, []string{"b1"}, topic.DropHost("node-b"))
	assert.Nil(t, topic.DropHost("node-b"))
	assert.True(t, topic.Empty())
}

func TestTopic_ProvisionalInterest(t *testing.T) {
	topic := NewTable[string]().GetOrCreate("orders", "node-b")

	topic.AddInterest("node-c", "c1", true, 10)
	topic.AddInterest("node-d", "d1", true, 10)
	topic.PromoteProvisional()
	topic.AddInterest("node-e", "e1", true, 15)

	assert.Equal(t, []string{"node-e"}, topic.SweepProvisional(30, 10))
	assert.Equal(t, []string{"node-c", "node-d"}, topic.InterestedHosts())

	// Confirmed interest overrides provisional state.
	topic.AddInterest("node-f", "f1", true, 40)
	topic.AddInterest("node-f", "f2", false, 41)
	assert.Empty(t, topic.SweepProvisional(100, 10))
}

func TestTopic_SequenceAndClear(t *testing.T) {
	topic := NewTable[string]().GetOrCreate("orders", "node-a")

	assert.Equal(t, uint64(1), topic.NextSequence())
	assert.Equal(t, uint64(2), topic.NextSequence())

	topic.AddInterest("node-b", "b1", false, 0)
	topic.ClearInterest()
	assert.Empty(t, topic.InterestedHosts())
}

func TestTable(t *testing.T) {
	table := NewTable[int]()
	a := table.GetOrCreate("a", "x")
	assert.Same(t, a, table.GetOrCreate("a", "y"))
	table.GetOrCreate("b", "x").AddLocal("s", 1)

	assert.Equal(t, 2, table.Len())
	assert.True(t, table.DeleteIfEmpty("a"))
	assert.False(t, table.DeleteIfEmpty("b"))
	assert.False(t, table.DeleteIfEmpty("missing"))

	topics := table.Topics()
	require.Len(t, topics, 1)
	assert.Equal(t, "b", topics[0].Name)

	table.Reset()
	assert.Equal(t, 0, table.Len())
	_, ok := table.Get("b")
	assert.False(t, ok)
}
