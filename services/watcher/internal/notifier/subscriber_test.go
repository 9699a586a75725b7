package notifier

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gigwatch/services/watcher/internal/models"
)

type fakeSubscriber struct {
	subject string
	queue   string
	cb      nats.MsgHandler
	err     error
}

func (f *fakeSubscriber) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject, f.queue, f.cb = subject, queue, cb
	return &nats.Subscription{}, nil
}

func TestSubscriberDecodesPublishedBatch(t *testing.T) {
	conn := &fakeSubscriber{}
	var got []Message
	s := NewSubscriber(conn, "", "tail", func(_ context.Context, m Message) error {
		got = append(got, m)
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	assert.Equal(t, DefaultSubject, conn.subject)
	assert.Equal(t, "tail", conn.queue)

	data, err := json.Marshal(NewMessage([]models.Posting{
		{Title: "Go Engineer", Company: "Acme", URL: "https://acme.example/jobs/1"},
	}))
	require.NoError(t, err)

	conn.cb(&nats.Msg{Subject: DefaultSubject, Data: data})
	conn.cb(&nats.Msg{Subject: DefaultSubject, Data: []byte("{not json")})

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Count)
	assert.Equal(t, "Acme", got[0].Postings[0].Company)
}

func TestSubscriberHandlerErrorIsLogged(t *testing.T) {
	conn := &fakeSubscriber{}
	calls := 0
	s := NewSubscriber(conn, "custom", "", func(context.Context, Message) error {
		calls++
		return stderrors.New("sink down")
	}, zaptest.NewLogger(t))
	require.NoError(t, s.Start())

	data, _ := json.Marshal(NewMessage([]models.Posting{{Title: "x", URL: "https://x.example"}}))
	conn.cb(&nats.Msg{Subject: "custom", Data: data})
	assert.Equal(t, 1, calls)
}

func TestSubscriberStartError(t *testing.T) {
	s := NewSubscriber(&fakeSubscriber{err: stderrors.New("no conn")}, "", "", nil, zaptest.NewLogger(t))
	assert.Error(t, s.Start())
	assert.NoError(t, s.Stop())
}
