package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
)

type recordingHandler struct {
	got []entity.FriendshipEvent
	err error
}

func (r *recordingHandler) Handle(_ context.Context, ev entity.FriendshipEvent) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestHandleMessageDecodesEvent(t *testing.T) {
	rec := &recordingHandler{}
	h := newGroupHandler(rec, nil, "")

	h.handleMessage(context.Background(), &sarama.ConsumerMessage{
		Topic: TopicFriendshipEvents,
		Value: []byte(`{"type":"friend.request_accepted","friendshipId":"f1","status":"ACCEPTED",
			"source":{"id":"b","username":"bob","avatar":null},"target":{"id":"a","username":"al","avatar":"x.png"}}`),
	})

	require.Len(t, rec.got, 1)
	ev := rec.got[0]
	assert.Equal(t, entity.FriendshipRequestAccepted, ev.Type)
	assert.Equal(t, "f1", ev.FriendshipID)
	assert.Equal(t, "b", ev.Source.ID)
	require.NotNil(t, ev.Target.Avatar)
	assert.Equal(t, "x.png", *ev.Target.Avatar)
}

func TestHandleMessageSkipsGarbageWithoutProducer(t *testing.T) {
	rec := &recordingHandler{}
	h := newGroupHandler(rec, nil, "")

	assert.NotPanics(t, func() {
		h.handleMessage(context.Background(), &sarama.ConsumerMessage{Topic: TopicRelationEvents, Value: []byte("{oops")})
	})
	assert.Empty(t, rec.got)
}

func TestDeadLetterOnFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer func() { _ = producer.Close() }()

	var sent DeadLetterMessage
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		return json.Unmarshal(val, &sent)
	})
	producer.ExpectSendMessageAndSucceed()

	rec := &recordingHandler{err: errors.New("boom")}
	h := newGroupHandler(rec, producer, TopicDeadLetter)

	h.handleMessage(context.Background(), &sarama.ConsumerMessage{
		Topic: TopicRelationEvents,
		Key:   []byte("a"),
		Value: []byte(`{"type":"relation.muted","source":{"id":"a"},"target":{"id":"b"}}`),
	})
	assert.Equal(t, TopicRelationEvents, sent.OriginalTopic)
	assert.Equal(t, "a", sent.OriginalKey)
	assert.Equal(t, "boom", sent.ErrorMsg)
	assert.JSONEq(t, `{"type":"relation.muted","source":{"id":"a"},"target":{"id":"b"}}`, string(sent.Payload))

	// 非 JSON 的原始消息按字符串保存
	h.handleMessage(context.Background(), &sarama.ConsumerMessage{Topic: TopicRelationEvents, Value: []byte("not json")})
	assert.Len(t, rec.got, 1)
}
