package eventrouter

import (
	"go.uber.org/zap"
)

// Listener receives the typed callbacks of a subscription.
type Listener[T any] interface {
	OnOpen(sub Subscription)
	OnEvent(sub Subscription, value T)
	OnClose(sub Subscription, reason CloseReason)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs[T any] struct {
	Open  func(sub Subscription)
	Event func(sub Subscription, value T)
	Close func(sub Subscription, reason CloseReason)
}

func (f ListenerFuncs[T]) OnOpen(sub Subscription) {
	if f.Open != nil {
		f.Open(sub)
	}
}

func (f ListenerFuncs[T]) OnEvent(sub Subscription, value T) {
	if f.Event != nil {
		f.Event(sub, value)
	}
}

func (f ListenerFuncs[T]) OnClose(sub Subscription, reason CloseReason) {
	if f.Close != nil {
		f.Close(sub, reason)
	}
}

// TopicOption configures a Topic.
type TopicOption[T any] func(*Topic[T])

// WithCodec replaces the default JSON codec.
func WithCodec[T any](codec Codec[T]) TopicOption[T] {
	return func(t *Topic[T]) {
		t.codec = codec
	}
}

// WithLogger sets the logger used to report undecodable payloads.
func WithLogger[T any](logger *zap.Logger) TopicOption[T] {
	return func(t *Topic[T]) {
		t.logger = logger
	}
}

// Topic is a typed handle on one topic of a router.
type Topic[T any] struct {
	router EventRouter
	name   string
	codec  Codec[T]
	logger *zap.Logger
}

// GetTopic returns a typed handle on the named topic. Handles are cheap and stateless;
// any number may exist for the same topic.
func GetTopic[T any](router EventRouter, name string, opts ...TopicOption[T]) *Topic[T] {
	t := &Topic[T]{
		router: router,
		name:   name,
		codec:  JSONCodec[T]{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("topic", name))
	return t
}

// Name returns the topic name.
func (t *Topic[T]) Name() string {
	return t.name
}

// Publish encodes value and publishes it. Errors are local encode failures only.
func (t *Topic[T]) Publish(value T) error {
	payload, err := t.codec.Encode(value)
	if err != nil {
		return err
	}
	t.router.Publish(t.name, payload)
	return nil
}

// Subscribe registers listener for the topic.
func (t *Topic[T]) Subscribe(listener Listener[T]) Subscription {
	return t.router.Subscribe(t.name, &decodingListener[T]{topic: t, listener: listener})
}

type decodingListener[T any] struct {
	topic    *Topic[T]
	listener Listener[T]
}

func (l *decodingListener[T]) OnOpen(sub Subscription) {
	l.listener.OnOpen(sub)
}

func (l *decodingListener[T]) OnEvent(sub Subscription, event Event) {
	value, err := l.topic.codec.Decode(event.Payload)
	if err != nil {
		l.topic.logger.Warn("dropping undecodable event",
			zap.String("subscription", sub.ID()),
			zap.Uint64("sequence", event.Sequence),
			zap.Error(err))
		return
	}
	l.listener.OnEvent(sub, value)
}

func (l *decodingListener[T]) OnClose(sub Subscription, reason CloseReason) {
	l.listener.OnClose(sub, reason)
}
