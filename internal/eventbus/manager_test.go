package eventbus

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(arbor.NewLogger(), filepath.Join(t.TempDir(), "eventbus"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func executeMessage(t *testing.T, jobID string) Message {
	t.Helper()
	payload, err := json.Marshal(JobExecutePayload{JobID: jobID})
	require.NoError(t, err)
	return Message{Topic: TopicJobExecute, Payload: payload}
}

func TestNewManager_RequiresStoreAndTopic(t *testing.T) {
	db := openTestDB(t)

	_, err := NewManager(nil, TopicJobExecute, time.Minute, 5)
	assert.Error(t, err)

	_, err = NewManager(db.Store(), "", time.Minute, 5)
	assert.Error(t, err)
}

func TestEnqueueReceive_RoundTripsPayload(t *testing.T) {
	db := openTestDB(t)
	m, err := NewManager(db.Store(), TopicJobExecute, time.Minute, 5)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, executeMessage(t, "job-1")))

	msg, del, err := m.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, TopicJobExecute, msg.Topic)

	var payload JobExecutePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "job-1", payload.JobID)

	require.NoError(t, del())
	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestReceive_EmptyQueueReturnsErrNoMessage(t *testing.T) {
	db := openTestDB(t)
	m, err := NewManager(db.Store(), TopicJobExecute, time.Minute, 5)
	require.NoError(t, err)

	_, _, err = m.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestReceive_FIFOOrder(t *testing.T) {
	db := openTestDB(t)
	m, err := NewManager(db.Store(), TopicJobExecute, time.Minute, 5)
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, m.Enqueue(ctx, executeMessage(t, id)))
		time.Sleep(2 * time.Millisecond) // distinct timestamp-prefixed keys
	}

	for _, want := range []string{"first", "second", "third"} {
		msg, del, err := m.Receive(ctx)
		require.NoError(t, err)
		var payload JobExecutePayload
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, want, payload.JobID)
		require.NoError(t, del())
	}
}

func TestReceive_OnlySurfacesOwnTopic(t *testing.T) {
	db := openTestDB(t)
	execBus, err := NewManager(db.Store(), TopicJobExecute, time.Minute, 5)
	require.NoError(t, err)
	webhookBus, err := NewManager(db.Store(), TopicWebhookProcess, time.Minute, 5)
	require.NoError(t, err)

	ctx := context.Background()
	payload, _ := json.Marshal(WebhookProcessPayload{JobID: "job-1", EventID: "evt-1"})
	require.NoError(t, execBus.Enqueue(ctx, Message{Topic: TopicWebhookProcess, Payload: payload}))

	_, _, err = execBus.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)

	msg, del, err := webhookBus.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, TopicWebhookProcess, msg.Topic)
	require.NoError(t, del())
}

func TestReceive_UnackedMessageRedeliversAfterVisibilityTimeout(t *testing.T) {
	db := openTestDB(t)
	m, err := NewManager(db.Store(), TopicJobExecute, 50*time.Millisecond, 5)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, executeMessage(t, "job-1")))

	_, _, err = m.Receive(ctx)
	require.NoError(t, err)

	// Invisible while the first handling is presumed in flight.
	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)

	time.Sleep(80 * time.Millisecond)

	msg, del, err := m.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, del())
}

func TestReceive_StopsRedeliveringPastMaxReceive(t *testing.T) {
	db := openTestDB(t)
	m, err := NewManager(db.Store(), TopicJobExecute, time.Millisecond, 2)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, executeMessage(t, "job-1")))

	for i := 0; i < 2; i++ {
		_, _, err := m.Receive(ctx)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestExtend_PushesVisibilityForward(t *testing.T) {
	db := openTestDB(t)
	m, err := NewManager(db.Store(), TopicJobExecute, 30*time.Millisecond, 5)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, executeMessage(t, "job-1")))

	_, _, err = m.Receive(ctx)
	require.NoError(t, err)

	var stored []queueMessage
	require.NoError(t, db.Store().Find(&stored, nil))
	require.Len(t, stored, 1)

	require.NoError(t, m.Extend(ctx, stored[0].ID, time.Minute))
	time.Sleep(50 * time.Millisecond)

	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestExtend_UnknownMessageErrors(t *testing.T) {
	db := openTestDB(t)
	m, err := NewManager(db.Store(), TopicJobExecute, time.Minute, 5)
	require.NoError(t, err)

	assert.Error(t, m.Extend(context.Background(), "no-such-id", time.Minute))
}
