package events

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	event    string
	body     Envelope
	delivery string
}

type sink struct {
	mu   sync.Mutex
	got  []captured
	code int
}

func newSink(t *testing.T, code int) (*sink, *httptest.Server) {
	t.Helper()
	s := &sink{code: code}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var env Envelope
		_ = json.Unmarshal(data, &env)

		s.mu.Lock()
		s.got = append(s.got, captured{
			event:    r.Header.Get(EventHeader),
			body:     env,
			delivery: r.Header.Get(DeliveryHeader),
		})
		s.mu.Unlock()

		w.WriteHeader(s.code)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *sink) received() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]captured, len(s.got))
	copy(out, s.got)
	return out
}

func TestSubscription_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sub     Subscription
		wantErr error
	}{
		{"webhook", Subscription{Kind: "webhook", URL: "http://localhost/x"}, nil},
		{"https", Subscription{Kind: "webhook", URL: "https://example.com/hook"}, nil},
		{"discord kind", Subscription{Kind: "discord", URL: "http://localhost/x"}, ErrUnknownKind},
		{"empty kind", Subscription{URL: "http://localhost/x"}, ErrUnknownKind},
		{"relative url", Subscription{Kind: "webhook", URL: "/hook"}, ErrInvalidURL},
		{"ftp url", Subscription{Kind: "webhook", URL: "ftp://host/x"}, ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.sub.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestBus_DeliversToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	statusSink, statusSrv := newSink(t, http.StatusOK)
	modSink, modSrv := newSink(t, http.StatusNoContent)

	b := New()
	b.Reset([]Subscription{
		{Kind: KindWebhook, URL: statusSrv.URL, Events: []string{EventStatus}},
		{Kind: KindWebhook, URL: modSrv.URL, Events: []string{EventModAddition, EventStatus}},
	})

	b.Publish(EventStatus, map[string]string{"status": "up"})
	b.Publish(EventModAddition, []map[string]string{{"filename": "a.jar", "hash": "h"}})
	b.Publish(EventConsole, map[string]any{"tags": []string{"x"}, "message": "m"})
	b.Wait()

	gotStatus := statusSink.received()
	require.Len(t, gotStatus, 1)
	assert.Equal(t, EventStatus, gotStatus[0].event)
	assert.Equal(t, EventStatus, gotStatus[0].body.Event)
	assert.JSONEq(t, `{"status":"up"}`, string(gotStatus[0].body.Data))
	_, err := uuid.Parse(gotStatus[0].delivery)
	assert.NoError(t, err, "delivery header must be a uuid")

	gotMods := modSink.received()
	require.Len(t, gotMods, 2)
	events := []string{gotMods[0].event, gotMods[1].event}
	assert.ElementsMatch(t, []string{EventStatus, EventModAddition}, events)
}

func TestBus_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	s, srv := newSink(t, http.StatusOK)
	b := New()

	err := b.Register(Subscription{Kind: "discord", URL: srv.URL, Events: []string{EventStatus}})
	assert.ErrorIs(t, err, ErrUnknownKind)

	b.Reset([]Subscription{
		{Kind: "slack", URL: srv.URL, Events: []string{EventStatus}},
		{Kind: KindWebhook, URL: srv.URL, Events: []string{EventStatus}},
	})
	assert.Len(t, b.Subscriptions(), 1)

	b.Publish(EventStatus, map[string]string{"status": "starting"})
	b.Wait()
	assert.Len(t, s.received(), 1)
}

func TestBus_ResetDropsRuntimeRegistrations(t *testing.T) {
	t.Parallel()

	s, srv := newSink(t, http.StatusOK)
	b := New()

	require.NoError(t, b.Register(Subscription{Kind: KindWebhook, URL: srv.URL, Events: []string{EventStatus}}))
	assert.Len(t, b.Subscriptions(), 1)

	b.Reset(nil)
	assert.Empty(t, b.Subscriptions())

	b.Publish(EventStatus, map[string]string{"status": "down"})
	b.Wait()
	assert.Empty(t, s.received())
}

func TestBus_FailuresAreNotRetried(t *testing.T) {
	t.Parallel()

	s, srv := newSink(t, http.StatusInternalServerError)
	b := New()
	b.Reset([]Subscription{{Kind: KindWebhook, URL: srv.URL, Events: []string{EventStatus}}})

	b.Publish(EventStatus, map[string]string{"status": "up"})
	b.Wait()
	assert.Len(t, s.received(), 1)
}

func TestBus_UnreachableSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	dead := srv.URL
	srv.Close()

	b := New(WithTimeout(500 * time.Millisecond))
	b.Reset([]Subscription{{Kind: KindWebhook, URL: dead, Events: []string{EventStatus}}})

	start := time.Now()
	b.Publish(EventStatus, map[string]string{"status": "up"})
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Publish must not wait for delivery")
	b.Wait()
}

func TestBus_RecordersSeeEverythingAndSurviveReset(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []Envelope
	rec := RecorderFunc(func(env Envelope) {
		mu.Lock()
		seen = append(seen, env)
		mu.Unlock()
	})

	b := New(WithRecorder(rec))
	b.Publish(EventStatus, map[string]string{"status": "starting"})
	b.Reset(nil)
	b.Publish(EventVersionChange, map[string]any{"newVersion": "1.20.1", "oldVersion": false})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, EventStatus, seen[0].Event)
	assert.Equal(t, EventVersionChange, seen[1].Event)
	assert.JSONEq(t, `{"newVersion":"1.20.1","oldVersion":false}`, string(seen[1].Data))
	assert.False(t, seen[0].Time.IsZero())
}

func TestBus_UnencodablePayloadDropped(t *testing.T) {
	t.Parallel()

	called := false
	b := New(WithRecorder(RecorderFunc(func(Envelope) { called = true })))
	b.Publish(EventStatus, make(chan int))
	assert.False(t, called)
}

func TestBus_SubscriptionsAreCopies(t *testing.T) {
	t.Parallel()

	events := []string{EventStatus}
	b := New()
	b.Reset([]Subscription{{Kind: KindWebhook, URL: "http://localhost:1/x", Events: events}})
	events[0] = EventConsole

	subs := b.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, []string{EventStatus}, subs[0].Events)
	subs[0].Events[0] = EventModUpdate
	assert.Equal(t, []string{EventStatus}, b.Subscriptions()[0].Events)
}

func TestBus_CloseWaitsAndDropsLaterEvents(t *testing.T) {
	t.Parallel()

	s, srv := newSink(t, http.StatusOK)
	recorded := 0
	var mu sync.Mutex
	b := New(WithRecorder(RecorderFunc(func(Envelope) {
		mu.Lock()
		recorded++
		mu.Unlock()
	})))
	b.Reset([]Subscription{{Kind: KindWebhook, URL: srv.URL, Events: []string{EventStatus}}})

	b.Publish(EventStatus, map[string]string{"status": "up"})
	b.Close()
	assert.Len(t, s.received(), 1, "Close waits for in-flight deliveries")

	b.Publish(EventStatus, map[string]string{"status": "down"})
	b.Wait()
	assert.Len(t, s.received(), 1)
	mu.Lock()
	assert.Equal(t, 1, recorded)
	mu.Unlock()
}

func TestBus_CloseWhilePublishing(t *testing.T) {
	t.Parallel()

	_, srv := newSink(t, http.StatusOK)
	b := New()
	b.Reset([]Subscription{{Kind: KindWebhook, URL: srv.URL, Events: []string{EventConsole}}})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Publish(EventConsole, map[string]string{"message": "tick"})
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	b.Close()
	close(stop)
	wg.Wait()
	b.Wait()
}
