package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name   string
	err    error
	events []string
}

func (r *recordingSender) Send(_ context.Context, event, _, _ string) error {
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"fatal", " refund "}, nil)

	require.NoError(t, n.Notify(context.Background(), "settled", "t", "m"))
	require.NoError(t, n.Notify(context.Background(), "refund", "t", "m"))
	require.NoError(t, n.Notify(context.Background(), "fatal", "t", "m"))
	assert.Equal(t, []string{"refund", "fatal"}, s.events)
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, nil)

	err := n.Notify(context.Background(), "fatal", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, []string{"fatal"}, good.events)
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got map[string][]discordEmbed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "settled", "Swap settled", "order 0xabc")
	require.NoError(t, err)
	require.Len(t, got["embeds"], 1)
	assert.Equal(t, "Swap settled", got["embeds"][0].Title)
	assert.Equal(t, discordColors["settled"], got["embeds"][0].Color)
}

func TestTelegramSenderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "fatal", "a<b", "x & y"))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "<b>a&lt;b</b>\nx &amp; y\n<i>fatal</i>", body["text"])
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "fatal", "t", "m")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
