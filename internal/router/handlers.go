package router

import (
	"errors"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/internal/dispatcher"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/routingtable"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

type topic = routingtable.Topic[*subscription]

func (r *Router) handle(a action) {
	switch a := a.(type) {
	case joinAction:
		r.onJoin()
		close(a.done)
	case leaveAction:
		r.onLeave()
		close(a.done)
	case inspectAction:
		a.fn()
		close(a.done)
	case clusterChangedAction:
		r.onClusterChanged(a.snapshot)
	case peerDisconnectedAction:
		r.onPeerDisconnected(a.host)
	default:
		switch {
		case r.left:
			r.rejectAfterLeave(a)
		case !r.ready:
			r.deferred = append(r.deferred, a)
		default:
			r.route(a)
		}
	}
}

// route handles the actions that need an applied snapshot containing the local node.
func (r *Router) route(a action) {
	switch a := a.(type) {
	case subscribeAction:
		r.onSubscribe(a.sub)
	case unsubscribeAction:
		r.onUnsubscribe(a.sub)
	case publishAction:
		r.onPublish(a.topic, a.payload)
	case peerMessageAction:
		r.onPeerMessage(a.msg)
	default:
		r.logger.Error("unknown action", zap.Any("action", a))
	}
}

func (r *Router) rejectAfterLeave(a action) {
	switch a := a.(type) {
	case subscribeAction:
		r.finish(a.sub, eventrouter.CloseLeftCluster)
	case publishAction:
		r.logger.Debug("publish after leaving dropped", zap.String("topic", a.topic))
	case peerMessageAction:
		if a.msg.Kind == peerlink.KindSubscribe {
			_ = r.link.Send(a.msg.Sender, peerlink.Message{
				Kind:           peerlink.KindClose,
				Sender:         r.nodeID,
				Topic:          a.msg.Topic,
				SubscriptionID: a.msg.SubscriptionID,
				Reason:         int32(eventrouter.ClosePeerLeft),
			})
		}
	}
}

func (r *Router) onJoin() {
	r.joined = true
	r.left = false
	r.ready = false
	r.current = cluster.Snapshot{Self: r.nodeID}
	r.publishSnapshot()
}

func (r *Router) onClusterChanged(snap cluster.Snapshot) {
	if !r.joined {
		return
	}
	r.current = snap
	r.publishSnapshot()

	if !snap.Contains(r.nodeID) {
		if r.ready {
			r.logger.Warn("local node missing from cluster view, holding routing actions", zap.Stringer("snapshot", snap))
		}
		r.ready = false
		return
	}
	r.logger.Debug("cluster changed", zap.Stringer("snapshot", snap))

	r.syncPeers(snap)
	r.reassignTopics(snap)
	r.finishStaleCancels(snap)

	if !r.ready {
		r.ready = true
		deferred := r.deferred
		r.deferred = nil
		for _, a := range deferred {
			r.route(a)
		}
	}
}

func (r *Router) publishSnapshot() {
	snap := r.current
	r.snapshot.Store(&snap)
}

// syncPeers connects hosts new to the view and disconnects hosts that left it.
func (r *Router) syncPeers(snap cluster.Snapshot) {
	for _, host := range snap.Hosts {
		if host == r.nodeID {
			continue
		}
		p := r.peer(host)
		p.inView = true
		if p.state == peerlink.PeerDisconnected {
			_ = r.connect(p)
		}
	}
	for _, host := range sortedKeys(r.peers) {
		p := r.peers[host]
		if p.loopback || !p.inView || snap.Contains(host) {
			continue
		}
		if err := r.link.Disconnect(r.ctx, host); err != nil {
			r.logger.Debug("disconnect failed", zap.String("peer", host), zap.Error(err))
		}
		delete(r.peers, host)
		r.logger.Info("peer removed", zap.String("peer", host))
	}
}

// reassignTopics applies snap to every known topic: interest of departed hosts is
// dropped and local subscriptions follow ownership changes.
func (r *Router) reassignTopics(snap cluster.Snapshot) {
	for _, t := range r.table.Topics() {
		for _, host := range t.InterestedHosts() {
			if !snap.Contains(host) {
				t.DropHost(host)
			}
		}

		owner, err := r.mapper.OwnerOf(t.Name, snap)
		if err != nil {
			r.logger.Error("owner lookup failed", zap.String("topic", t.Name), zap.Error(err))
			continue
		}
		previous := t.Owner
		if owner != previous {
			t.Owner = owner
			r.logger.Debug("topic owner changed",
				zap.String("topic", t.Name),
				zap.String("from", previous),
				zap.String("to", owner))

			if previous == r.nodeID {
				t.ClearInterest()
			}
			if owner == r.nodeID {
				t.PromoteProvisional()
			}

			previousLeft := previous != r.nodeID && !snap.Contains(previous)
			for _, sub := range t.LocalSubscriptions() {
				if previousLeft {
					r.closeSubscription(sub, eventrouter.ClosePeerLeft, false)
					continue
				}
				r.attach(t, sub)
			}
		}
		r.table.DeleteIfEmpty(t.Name)
	}
}

// finishStaleCancels completes cancellations whose owner is gone or no longer owns the topic.
func (r *Router) finishStaleCancels(snap cluster.Snapshot) {
	for _, id := range sortedKeys(r.subs) {
		sub := r.subs[id]
		if !sub.cancelling {
			continue
		}
		owner, err := r.mapper.OwnerOf(sub.topic, snap)
		if err == nil && owner == sub.owner && snap.Contains(sub.owner) {
			continue
		}
		delete(r.subs, id)
		r.finish(sub, eventrouter.CloseCancelled)
	}
}

func (r *Router) onPeerDisconnected(host string) {
	if p, ok := r.peers[host]; ok && !p.loopback {
		p.state = peerlink.PeerDisconnected
	}
	if !r.joined {
		return
	}
	r.logger.Info("peer disconnected", zap.String("peer", host))

	for _, t := range r.table.Topics() {
		t.DropHost(host)
		r.table.DeleteIfEmpty(t.Name)
	}
	for _, id := range sortedKeys(r.subs) {
		sub := r.subs[id]
		if sub.owner != host {
			continue
		}
		if sub.cancelling {
			delete(r.subs, id)
			r.finish(sub, eventrouter.CloseCancelled)
			continue
		}
		r.closeSubscription(sub, eventrouter.CloseOwnerUnreachable, false)
	}
}

func (r *Router) onLeave() {
	if !r.joined {
		return
	}

	for _, t := range r.table.Topics() {
		for _, in := range t.Interest() {
			for _, id := range in.SubscriptionIDs {
				_ = r.send(in.Host, peerlink.Message{
					Kind:           peerlink.KindClose,
					Topic:          t.Name,
					SubscriptionID: id,
					Reason:         int32(eventrouter.ClosePeerLeft),
				})
			}
		}
	}

	for _, id := range sortedKeys(r.subs) {
		sub := r.subs[id]
		if sub.cancelling {
			r.finish(sub, eventrouter.CloseCancelled)
			continue
		}
		if sub.owner != "" && sub.owner != r.nodeID {
			_ = r.send(sub.owner, peerlink.Message{
				Kind:           peerlink.KindUnsubscribe,
				Topic:          sub.topic,
				SubscriptionID: sub.id,
			})
		}
		r.finish(sub, eventrouter.CloseLeftCluster)
	}
	for _, a := range r.deferred {
		if s, ok := a.(subscribeAction); ok {
			r.finish(s.sub, eventrouter.CloseLeftCluster)
		}
	}

	r.subs = make(map[string]*subscription)
	r.table.Reset()
	r.deferred = nil
	r.peers = map[string]*peer{r.nodeID: newLoopbackPeer(r.nodeID)}
	r.joined = false
	r.ready = false
	r.left = true
	r.current = cluster.Snapshot{Self: r.nodeID}
	r.publishSnapshot()
}

func (r *Router) onSubscribe(sub *subscription) {
	if sub.cancelled.Load() {
		r.finish(sub, eventrouter.CloseCancelled)
		return
	}
	owner, err := r.mapper.OwnerOf(sub.topic, r.current)
	if err != nil {
		r.logger.Error("owner lookup failed", zap.String("topic", sub.topic), zap.Error(err))
		r.finish(sub, eventrouter.CloseOwnerUnreachable)
		return
	}
	t := r.table.GetOrCreate(sub.topic, owner)
	t.AddLocal(sub.id, sub)
	r.subs[sub.id] = sub
	r.attach(t, sub)
}

// attach binds sub to the current owner of t, opening it at once when the local
// node is the owner.
func (r *Router) attach(t *topic, sub *subscription) {
	sub.owner = t.Owner
	if t.Owner == r.nodeID {
		r.open(sub)
		return
	}
	err := r.send(t.Owner, peerlink.Message{
		Kind:           peerlink.KindSubscribe,
		Topic:          sub.topic,
		SubscriptionID: sub.id,
	})
	if err != nil {
		r.closeSubscription(sub, eventrouter.CloseOwnerUnreachable, false)
	}
}

func (r *Router) onUnsubscribe(sub *subscription) {
	if sub.State() == eventrouter.StateClosed || sub.cancelling {
		return
	}
	if _, ok := r.subs[sub.id]; !ok {
		return
	}
	if t, ok := r.table.Get(sub.topic); ok {
		t.RemoveLocal(sub.id)
		r.table.DeleteIfEmpty(sub.topic)
	}

	if sub.owner == "" || sub.owner == r.nodeID {
		delete(r.subs, sub.id)
		r.finish(sub, eventrouter.CloseCancelled)
		return
	}
	err := r.send(sub.owner, peerlink.Message{
		Kind:           peerlink.KindUnsubscribe,
		Topic:          sub.topic,
		SubscriptionID: sub.id,
	})
	if err != nil {
		delete(r.subs, sub.id)
		r.finish(sub, eventrouter.CloseCancelled)
		return
	}
	sub.cancelling = true
}

func (r *Router) onPublish(topicName string, payload []byte) {
	owner, err := r.mapper.OwnerOf(topicName, r.current)
	if err != nil {
		r.logger.Error("owner lookup failed", zap.String("topic", topicName), zap.Error(err))
		return
	}
	if owner == r.nodeID {
		r.fanOut(topicName, payload, r.nodeID)
		return
	}
	err = r.send(owner, peerlink.Message{
		Kind:    peerlink.KindPublish,
		Topic:   topicName,
		Payload: payload,
		Origin:  r.nodeID,
	})
	if err == nil {
		r.forwarded.Add(1)
	}
}

// fanOut sequences an event on the owner and delivers it locally and to every
// interested host.
func (r *Router) fanOut(topicName string, payload []byte, origin string) {
	t, ok := r.table.Get(topicName)
	if !ok {
		return
	}
	seq := t.NextSequence()
	r.deliverLocal(t, eventrouter.Event{Topic: topicName, Payload: payload, Sequence: seq, Publisher: origin})

	for _, host := range t.InterestedHosts() {
		_ = r.send(host, peerlink.Message{
			Kind:     peerlink.KindDeliver,
			Topic:    topicName,
			Payload:  payload,
			Sequence: seq,
			Origin:   origin,
		})
	}
}

func (r *Router) deliverLocal(t *topic, event eventrouter.Event) {
	for _, sub := range t.LocalSubscriptions() {
		if sub.State() != eventrouter.StateOpen || sub.cancelled.Load() {
			continue
		}
		sub := sub
		err := r.dispatcher.Deliver(sub.id, func() {
			if sub.cancelled.Load() {
				return
			}
			sub.listener.OnEvent(sub, event)
		})
		if err != nil {
			r.onDispatchFailed(sub, err)
			continue
		}
		r.delivered.Add(1)
	}
}

func (r *Router) onDispatchFailed(sub *subscription, err error) {
	if !errors.Is(err, dispatcher.ErrQueueFull) {
		r.logger.Debug("callback rejected", zap.Stringer("subscription", sub), zap.Error(err))
		return
	}
	r.logger.Warn("subscriber too slow, closing subscription", zap.Stringer("subscription", sub))
	r.slowSubscribers.Add(1)
	r.closeSubscription(sub, eventrouter.CloseSlowSubscriber, true)
}

func (r *Router) open(sub *subscription) {
	if sub.cancelled.Load() || sub.closed.Load() {
		return
	}
	if !sub.state.CompareAndSwap(int32(eventrouter.StateOpening), int32(eventrouter.StateOpen)) {
		return
	}
	if err := r.dispatcher.Deliver(sub.id, func() { sub.listener.OnOpen(sub) }); err != nil {
		r.onDispatchFailed(sub, err)
	}
}

// closeSubscription removes sub from routing state and schedules its OnClose. With
// notifyOwner a remote owner is told to drop its interest.
func (r *Router) closeSubscription(sub *subscription, reason eventrouter.CloseReason, notifyOwner bool) {
	delete(r.subs, sub.id)
	if t, ok := r.table.Get(sub.topic); ok {
		t.RemoveLocal(sub.id)
		r.table.DeleteIfEmpty(sub.topic)
	}
	if notifyOwner && sub.owner != "" && sub.owner != r.nodeID {
		_ = r.send(sub.owner, peerlink.Message{
			Kind:           peerlink.KindUnsubscribe,
			Topic:          sub.topic,
			SubscriptionID: sub.id,
		})
	}
	r.finish(sub, reason)
}

// finish moves sub to StateClosed and schedules OnClose exactly once.
func (r *Router) finish(sub *subscription, reason eventrouter.CloseReason) {
	if !sub.markClosed(reason) {
		return
	}
	if err := r.dispatcher.DeliverTerminal(sub.id, func() { sub.listener.OnClose(sub, reason) }); err != nil {
		r.logger.Warn("close callback rejected", zap.Stringer("subscription", sub), zap.Error(err))
	}
	r.logger.Debug("subscription closed", zap.Stringer("subscription", sub), zap.Stringer("reason", reason))
}

func (r *Router) onPeerMessage(msg peerlink.Message) {
	switch msg.Kind {
	case peerlink.KindSubscribe:
		r.onRemoteSubscribe(msg)
	case peerlink.KindUnsubscribe:
		if t, ok := r.table.Get(msg.Topic); ok {
			t.RemoveInterest(msg.Sender, msg.SubscriptionID)
			r.table.DeleteIfEmpty(msg.Topic)
		}
		_ = r.send(msg.Sender, peerlink.Message{
			Kind:           peerlink.KindClose,
			Topic:          msg.Topic,
			SubscriptionID: msg.SubscriptionID,
			Reason:         int32(eventrouter.CloseCancelled),
		})
	case peerlink.KindPublish:
		origin := msg.Origin
		if origin == "" {
			origin = msg.Sender
		}
		r.fanOut(msg.Topic, msg.Payload, origin)
	case peerlink.KindDeliver:
		if t, ok := r.table.Get(msg.Topic); ok {
			r.deliverLocal(t, eventrouter.Event{
				Topic:     msg.Topic,
				Payload:   msg.Payload,
				Sequence:  msg.Sequence,
				Publisher: msg.Origin,
			})
		}
	case peerlink.KindAck:
		sub, ok := r.subs[msg.SubscriptionID]
		if !ok || sub.cancelling || sub.owner != msg.Sender {
			return
		}
		r.open(sub)
	case peerlink.KindClose:
		sub, ok := r.subs[msg.SubscriptionID]
		if !ok || sub.owner != msg.Sender {
			return
		}
		reason := eventrouter.CloseReason(msg.Reason)
		if sub.cancelling {
			reason = eventrouter.CloseCancelled
		}
		r.closeSubscription(sub, reason, false)
	default:
		r.logger.Warn("unknown peer message", zap.Stringer("message", msg))
	}
}

// onRemoteSubscribe records interest of the sender. Interest recorded while the
// local node does not believe it owns the topic is provisional until the views agree.
func (r *Router) onRemoteSubscribe(msg peerlink.Message) {
	owner, err := r.mapper.OwnerOf(msg.Topic, r.current)
	if err != nil {
		r.logger.Error("owner lookup failed", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	t := r.table.GetOrCreate(msg.Topic, owner)
	provisional := t.Owner != r.nodeID
	if provisional {
		r.logger.Debug("recording provisional interest",
			zap.String("topic", msg.Topic),
			zap.String("host", msg.Sender),
			zap.String("owner", t.Owner))
	}
	t.AddInterest(msg.Sender, msg.SubscriptionID, provisional, r.actionCount)

	err = r.send(msg.Sender, peerlink.Message{
		Kind:           peerlink.KindAck,
		Topic:          msg.Topic,
		SubscriptionID: msg.SubscriptionID,
	})
	if err != nil {
		t.RemoveInterest(msg.Sender, msg.SubscriptionID)
		r.table.DeleteIfEmpty(msg.Topic)
	}
}

func (r *Router) sweepProvisional() {
	for _, t := range r.table.Topics() {
		if dropped := t.SweepProvisional(r.actionCount, r.config.InterestGraceActions); len(dropped) > 0 {
			r.logger.Debug("provisional interest expired", zap.String("topic", t.Name), zap.Strings("hosts", dropped))
		}
		r.table.DeleteIfEmpty(t.Name)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
