package events

import (
	"testing"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_Publish(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recorder := newCountingRecorder()
	p := NewPublisher(&Config{Logger: discardLogger(), Metrics: recorder, Clock: func() time.Time { return now }})

	open := newFakeSubscriber("open")
	closed := newFakeSubscriber("closed")
	closed.closed.Store(true)
	full := newFakeSubscriber("full")
	full.full.Store(true)
	other := newFakeSubscriber("other")

	for _, sub := range []*fakeSubscriber{open, closed, full} {
		p.Subscribe("bundle-1", sub)
	}
	p.Subscribe("bundle-2", other)

	delivered, err := p.Publish("bundle-1", channel.TypeTrialUpdate, map[string]string{"to": "RUNNING"})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	msgs := open.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, channel.TypeTrialUpdate, msgs[0].Type)
	assert.Equal(t, "bundle-1", msgs[0].BotID)
	assert.Equal(t, now.UnixMilli(), msgs[0].Timestamp)
	assert.JSONEq(t, `{"to":"RUNNING"}`, string(msgs[0].Data))

	assert.Empty(t, closed.messages())
	assert.Empty(t, other.messages())
	assert.Equal(t, 1, recorder.delivered[channel.TypeTrialUpdate])
	assert.Equal(t, 2, recorder.dropped[channel.TypeTrialUpdate])
}

func TestPublisher_NoSubscribers(t *testing.T) {
	p := NewPublisher(&Config{Logger: discardLogger()})

	delivered, err := p.Publish("nobody", channel.TypeLog, "hello")
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestPublisher_UnencodablePayload(t *testing.T) {
	p := NewPublisher(&Config{Logger: discardLogger()})
	p.Subscribe("bundle-1", newFakeSubscriber("a"))

	_, err := p.Publish("bundle-1", channel.TypeLog, make(chan int))
	assert.Error(t, err)
}

func TestPublisher_SubscriptionBookkeeping(t *testing.T) {
	p := NewPublisher(&Config{Logger: discardLogger()})
	a := newFakeSubscriber("a")
	b := newFakeSubscriber("b")

	p.Subscribe("bundle-1", a)
	p.Subscribe("bundle-1", a)
	p.Subscribe("bundle-1", b)
	p.Subscribe("bundle-2", a)
	assert.Equal(t, 2, p.SubscriberCount("bundle-1"))
	assert.Equal(t, []string{"bundle-1", "bundle-2"}, p.Topics())

	p.Unsubscribe("bundle-1", b)
	assert.Equal(t, 1, p.SubscriberCount("bundle-1"))

	p.Remove(a)
	assert.Zero(t, p.SubscriberCount("bundle-1"))
	assert.Zero(t, p.SubscriberCount("bundle-2"))
	assert.Empty(t, p.Topics())
}
