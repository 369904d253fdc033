// Package routingtable holds the per-topic routing state of one router: the topic
// owner, the local subscriptions and, on the owner, which remote hosts want events.
//
// A Table is not safe for concurrent use. It is owned by the router's action
// processor, which is its only reader and writer.
package routingtable

import (
	"github.com/elliotchance/orderedmap/v2"
)

// Interest is the set of subscriptions one remote host holds on a topic.
type Interest struct {
	Host            string
	SubscriptionIDs []string

	// Provisional interest was recorded while this node did not own the topic.
	Provisional bool
}

type interest struct {
	subs        *orderedmap.OrderedMap[string, struct{}]
	provisional bool
	recordedAt  uint64
}

// Topic is the routing state of one topic.
type Topic[S any] struct {
	Name  string
	Owner string

	local    *orderedmap.OrderedMap[string, S]
	interest *orderedmap.OrderedMap[string, *interest]
	sequence uint64
}

func newTopic[S any](name string) *Topic[S] {
	return &Topic[S]{
		Name:     name,
		local:    orderedmap.NewOrderedMap[string, S](),
		interest: orderedmap.NewOrderedMap[string, *interest](),
	}
}

// AddLocal registers a local subscription. Registration order is fan-out order.
func (t *Topic[S]) AddLocal(id string, sub S) {
	t.local.Set(id, sub)
}

// RemoveLocal unregisters a local subscription.
func (t *Topic[S]) RemoveLocal(id string) (S, bool) {
	sub, ok := t.local.Get(id)
	if ok {
		t.local.Delete(id)
	}
	return sub, ok
}

// Local returns the local subscription with the given id.
func (t *Topic[S]) Local(id string) (S, bool) {
	return t.local.Get(id)
}

// LocalSubscriptions returns a copy of the local subscriptions in registration order.
func (t *Topic[S]) LocalSubscriptions() []S {
	out := make([]S, 0, t.local.Len())
	for el := t.local.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// LocalCount returns the number of local subscriptions.
func (t *Topic[S]) LocalCount() int {
	return t.local.Len()
}

// AddInterest records that subscription subID on host wants the topic's events.
// now is the processor's action counter, used to expire provisional interest.
func (t *Topic[S]) AddInterest(host, subID string, provisional bool, now uint64) {
	in, ok := t.interest.Get(host)
	if !ok {
		in = &interest{subs: orderedmap.NewOrderedMap[string, struct{}](), provisional: provisional, recordedAt: now}
		t.interest.Set(host, in)
	}
	if !provisional {
		in.provisional = false
	} else if in.provisional {
		in.recordedAt = now
	}
	in.subs.Set(subID, struct{}{})
}

// RemoveInterest withdraws one subscription of host. It reports whether it was known.
func (t *Topic[S]) RemoveInterest(host, subID string) bool {
	in, ok := t.interest.Get(host)
	if !ok {
		return false
	}
	removed := in.subs.Delete(subID)
	if in.subs.Len() == 0 {
		t.interest.Delete(host)
	}
	return removed
}

// DropHost forgets all interest of host and returns the dropped subscription ids.
func (t *Topic[S]) DropHost(host string) []string {
	in, ok := t.interest.Get(host)
	if !ok {
		return nil
	}
	t.interest.Delete(host)
	return in.subs.Keys()
}

// ClearInterest forgets all remote interest.
func (t *Topic[S]) ClearInterest() {
	t.interest = orderedmap.NewOrderedMap[string, *interest]()
}

// InterestedHosts returns the hosts with interest in first-recorded order.
func (t *Topic[S]) InterestedHosts() []string {
	return t.interest.Keys()
}

// HasInterest reports whether subscription subID of host is recorded.
func (t *Topic[S]) HasInterest(host, subID string) bool {
	in, ok := t.interest.Get(host)
	if !ok {
		return false
	}
	_, ok = in.subs.Get(subID)
	return ok
}

// Interest returns a copy of all recorded interest in first-recorded order.
func (t *Topic[S]) Interest() []Interest {
	out := make([]Interest, 0, t.interest.Len())
	for el := t.interest.Front(); el != nil; el = el.Next() {
		out = append(out, Interest{
			Host:            el.Key,
			SubscriptionIDs: el.Value.subs.Keys(),
			Provisional:     el.Value.provisional,
		})
	}
	return out
}

// PromoteProvisional makes all provisional interest permanent.
func (t *Topic[S]) PromoteProvisional() {
	for el := t.interest.Front(); el != nil; el = el.Next() {
		el.Value.provisional = false
	}
}

// SweepProvisional drops provisional interest older than grace actions and returns
// the dropped hosts.
func (t *Topic[S]) SweepProvisional(now, grace uint64) []string {
	var dropped []string
	for el := t.interest.Front(); el != nil; el = el.Next() {
		if el.Value.provisional && now-el.Value.recordedAt >= grace {
			dropped = append(dropped, el.Key)
		}
	}
	for _, host := range dropped {
		t.interest.Delete(host)
	}
	return dropped
}

// NextSequence returns the next owner-assigned sequence number, starting at 1.
func (t *Topic[S]) NextSequence() uint64 {
	t.sequence++
	return t.sequence
}

// Empty reports whether the topic has neither local subscriptions nor interest.
func (t *Topic[S]) Empty() bool {
	return t.local.Len() == 0 && t.interest.Len() == 0
}

// Table is the set of topics a router is involved in.
type Table[S any] struct {
	topics *orderedmap.OrderedMap[string, *Topic[S]]
}

// NewTable creates an empty table.
func NewTable[S any]() *Table[S] {
	return &Table[S]{topics: orderedmap.NewOrderedMap[string, *Topic[S]]()}
}

// Get returns the topic, if the router is involved in it.
func (t *Table[S]) Get(name string) (*Topic[S], bool) {
	return t.topics.Get(name)
}

// GetOrCreate returns the topic, creating it with owner when missing.
func (t *Table[S]) GetOrCreate(name, owner string) *Topic[S] {
	if topic, ok := t.topics.Get(name); ok {
		return topic
	}
	topic := newTopic[S](name)
	topic.Owner = owner
	t.topics.Set(name, topic)
	return topic
}

// DeleteIfEmpty removes the topic when it holds no state. The sequence counter of
// a removed topic restarts.
func (t *Table[S]) DeleteIfEmpty(name string) bool {
	topic, ok := t.topics.Get(name)
	if !ok || !topic.Empty() {
		return false
	}
	return t.topics.Delete(name)
}

// Topics returns the topics in creation order.
func (t *Table[S]) Topics() []*Topic[S] {
	out := make([]*Topic[S], 0, t.topics.Len())
	for el := t.topics.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Len returns the number of topics.
func (t *Table[S]) Len() int {
	return t.topics.Len()
}

// Reset drops every topic.
func (t *Table[S]) Reset() {
	t.topics = orderedmap.NewOrderedMap[string, *Topic[S]]()
}
