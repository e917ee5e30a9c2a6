package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadithya-v/gatekeeper/notify"
)

func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []notify.Message
	)
	d := notify.NewDispatcher(zerolog.Nop(), notify.WithWorkers(2))
	d.Register(notify.ChannelSlack, notify.SenderFunc(func(_ context.Context, m notify.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
		return nil
	}))
	d.Register(notify.ChannelEmail, notify.SenderFunc(func(context.Context, notify.Message) error {
		return errors.New("smtp down")
	}))
	d.Start()

	require.NoError(t, d.Enqueue(notify.Message{Channel: notify.ChannelSlack, Subject: "one"}))
	require.NoError(t, d.Enqueue(notify.Message{Channel: notify.ChannelSlack, Subject: "two"}))
	require.NoError(t, d.Enqueue(notify.Message{Channel: notify.ChannelEmail, Subject: "three"}))
	require.NoError(t, d.Enqueue(notify.Message{Channel: notify.ChannelDiscord, Subject: "four"}))
	require.NoError(t, d.Close())

	delivered, failed, dropped := d.Stats()
	assert.Equal(t, uint64(2), delivered)
	assert.Equal(t, uint64(2), failed)
	assert.Zero(t, dropped)
	assert.Len(t, received, 2)

	assert.ErrorIs(t, d.Enqueue(notify.Message{Channel: notify.ChannelSlack}), notify.ErrClosed)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	t.Parallel()

	d := notify.NewDispatcher(zerolog.Nop(), notify.WithQueueSize(1))
	// Not started: the single slot fills and the next message is dropped.
	require.NoError(t, d.Enqueue(notify.Message{Channel: notify.ChannelSlack}))
	assert.ErrorIs(t, d.Enqueue(notify.Message{Channel: notify.ChannelSlack}), notify.ErrQueueFull)

	_, _, dropped := d.Stats()
	assert.Equal(t, uint64(1), dropped)

	d.Start()
	require.NoError(t, d.Close())
}

func TestWebhookSenderSigns(t *testing.T) {
	t.Parallel()

	var (
		mu            sync.Mutex
		gotSig, gotTS string
		gotBody       []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(notify.SignatureHeader)
		gotTS = r.Header.Get(notify.TimestampHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := notify.NewWebhookSender(srv.URL, "secret", srv.Client())
	msg := notify.Message{Channel: notify.ChannelWebhook, Subject: "geo", Body: "impossible travel", CreatedAt: time.Unix(0, 0)}
	require.NoError(t, s.Send(context.Background(), msg))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gotTS)
	assert.Equal(t, notify.Sign("secret", gotTS, gotBody), gotSig)

	var decoded notify.Message
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "impossible travel", decoded.Body)
}

func TestSlackSenderPayloadAndStatus(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		status  = http.StatusOK
		payload map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	s := notify.NewSlackSender(srv.URL, srv.Client())
	msg := notify.Message{Severity: "HIGH", Subject: "Device sharing", Body: "3 users"}
	require.NoError(t, s.Send(context.Background(), msg))
	mu.Lock()
	assert.Equal(t, "*[HIGH] Device sharing*\n3 users", payload["text"])
	status = http.StatusInternalServerError
	mu.Unlock()

	assert.ErrorIs(t, s.Send(context.Background(), msg), notify.ErrDeliveryFailed)
}
