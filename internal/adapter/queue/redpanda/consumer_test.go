package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fieldworks/surveyd/internal/domain"
)

type fakeHandler struct {
	got []domain.EnrollTaskPayload
	err error
}

func (f *fakeHandler) Enroll(_ domain.Context, p domain.EnrollTaskPayload) error {
	f.got = append(f.got, p)
	return f.err
}

func TestProcessRecordDecodesPayload(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	c := &Consumer{handler: h}

	payload := domain.EnrollTaskPayload{ResponseID: "r1", SurveyID: "svy-1", InterviewerID: "int-1"}
	b, err := json.Marshal(payload)
	require.NoError(t, err)

	c.processRecord(context.Background(), &kgo.Record{Value: b})
	require.Len(t, h.got, 1)
	assert.Equal(t, payload, h.got[0])
}

func TestProcessRecordMalformedDoesNotInvokeHandler(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	c := &Consumer{handler: h}

	c.processRecord(context.Background(), &kgo.Record{Value: []byte("{not json")})
	assert.Empty(t, h.got)
}

func TestProcessRecordHandlerErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{err: errors.New("transient")}
	c := &Consumer{handler: h}

	b, _ := json.Marshal(domain.EnrollTaskPayload{ResponseID: "r1"})
	assert.NotPanics(t, func() {
		c.processRecord(context.Background(), &kgo.Record{Value: b})
	})
}

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()
	_, err := NewConsumer(nil, "grp", &fakeHandler{})
	assert.Error(t, err)

	_, err = NewConsumerWithTopic([]string{"localhost:9092"}, "", TopicEnroll, &fakeHandler{})
	assert.Error(t, err)
}
