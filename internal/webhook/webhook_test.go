package webhook

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

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/telemetry"
)

type post struct {
	url     string
	headers map[string]string
	body    []byte
}

type fakeTransport struct {
	mu    sync.Mutex
	posts []post
	code  int
	err   error
}

func (f *fakeTransport) Post(_ context.Context, url string, headers map[string]string, body []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{url: url, headers: headers, body: body})
	if f.err != nil {
		return 0, f.err
	}
	if f.code == 0 {
		return http.StatusOK, nil
	}
	return f.code, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

type fakeCatalog []model.Action

func (c fakeCatalog) Actions() []model.Action { return c }

func (c fakeCatalog) Find(id int) (model.Action, bool) {
	for _, a := range c {
		if a.ID == id {
			return a, true
		}
	}
	return model.Action{}, false
}

func newTestSender(t *testing.T, catalog fakeCatalog, tp telemetry.Provider, tr Transport) *Sender {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewSender(catalog, tp, tr, 0, logger.WithField("component", "webhook"))
}

func metricTelemetry(remaining float64) *telemetry.Latest {
	l := telemetry.NewLatest(model.LocationConfig{})
	l.Apply(telemetry.Update{RemainingDistance: &remaining})
	return l
}

func TestSend_RejectsNonHTTPURL(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(t, nil, metricTelemetry(0), tr)

	err := s.Send(context.Background(), model.Action{ID: 1, URL: "ftp://x", Enabled: true}, "")
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Zero(t, tr.calls())
}

func TestSend_SubstitutesDistance(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(t, nil, metricTelemetry(1500), tr)

	require.NoError(t, s.Send(context.Background(), model.Action{
		ID:   1,
		URL:  "https://hooks.example.com/ride",
		Post: "left: #dst#",
	}, ""))

	require.Equal(t, 1, tr.calls())
	assert.Equal(t, "left: 1 km", string(tr.posts[0].body))
	assert.Equal(t, "application/json", tr.posts[0].headers["Content-Type"])
}

func TestSend_StatusTextAndJSONReparse(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(t, nil, metricTelemetry(420), tr)

	require.NoError(t, s.Send(context.Background(), model.Action{
		ID:     2,
		URL:    "http://localhost/hook",
		Header: "content-type: application/json\nX-Token: abc",
		Post:   "state: %status%\ndistance: #dst#",
	}, "riding"))

	require.Equal(t, 1, tr.calls())
	var got map[string]string
	require.NoError(t, json.Unmarshal(tr.posts[0].body, &got))
	assert.Equal(t, map[string]string{"state": "riding", "distance": "420 m"}, got)
	assert.Equal(t, "abc", tr.posts[0].headers["X-Token"])
}

func TestSend_Non2xxIsFailure(t *testing.T) {
	tr := &fakeTransport{code: http.StatusInternalServerError}
	s := newTestSender(t, nil, metricTelemetry(0), tr)

	err := s.Send(context.Background(), model.Action{ID: 1, URL: "https://x"}, "")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.Code)
}

func TestSend_TransportError(t *testing.T) {
	tr := &fakeTransport{err: errors.New("connection refused")}
	s := newTestSender(t, nil, metricTelemetry(0), tr)

	err := s.Send(context.Background(), model.Action{ID: 1, URL: "https://x"}, "")
	assert.ErrorContains(t, err, "connection refused")
}

func TestHandleEvent(t *testing.T) {
	catalog := fakeCatalog{
		{
			ID: 1, URL: "https://x", Enabled: true, Post: "s=%status%",
			Triggers:   model.EventTriggers{OnStart: true, OnCustom: true},
			StatusText: model.StatusTexts{Start: "go", Custom: "button"},
		},
	}

	tests := []struct {
		name      string
		event     model.EventType
		id        int
		wantOK    bool
		wantErr   error
		wantCalls int
		wantBody  string
	}{
		{name: "start fires", event: model.EventStart, id: 1, wantOK: true, wantCalls: 1, wantBody: "s=go"},
		{name: "custom fires", event: model.EventCustom, id: 1, wantOK: true, wantCalls: 1, wantBody: "s=button"},
		{name: "stop not configured", event: model.EventStop, id: 1},
		{name: "unknown event", event: model.EventType("lap"), id: 1},
		{name: "unknown action", event: model.EventStart, id: 9, wantErr: ErrActionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			s := newTestSender(t, catalog, metricTelemetry(0), tr)

			ok, err := s.HandleEvent(context.Background(), tt.event, tt.id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantCalls, tr.calls())
			if tt.wantCalls > 0 {
				assert.Equal(t, tt.wantBody, string(tr.posts[0].body))
			}
		})
	}
}

func TestHandleEvent_SendFailureReportsFalse(t *testing.T) {
	catalog := fakeCatalog{{ID: 1, URL: "https://x", Enabled: true, Triggers: model.EventTriggers{OnCustom: true}}}
	tr := &fakeTransport{code: http.StatusBadGateway}
	s := newTestSender(t, catalog, metricTelemetry(0), tr)

	ok, err := s.HandleEvent(context.Background(), model.EventCustom, 1)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, tr.calls())
}

func TestHandleEvent_Geofence(t *testing.T) {
	home := model.Coordinates{Lat: 41.3851, Lng: 2.1734}
	catalog := fakeCatalog{{
		ID: 1, URL: "https://x", Enabled: true, OnlyIfLocation: true,
		Triggers: model.EventTriggers{OnStop: true},
	}}

	near := model.Coordinates{Lat: 41.3855, Lng: 2.1734} // ~44 m north
	far := model.Coordinates{Lat: 41.3861, Lng: 2.1734}  // ~111 m north

	tests := []struct {
		name      string
		home      model.Coordinates
		here      *model.Coordinates
		wantCalls int
	}{
		{name: "inside radius", home: home, here: &near, wantCalls: 1},
		{name: "outside radius", home: home, here: &far},
		{name: "no fix", home: home},
		{name: "no home", here: &near},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := telemetry.NewLatest(model.LocationConfig{Home: tt.home})
			if tt.here != nil {
				tp.Apply(telemetry.Update{Location: tt.here})
			}
			tr := &fakeTransport{}
			s := newTestSender(t, catalog, tp, tr)

			ok, err := s.HandleEvent(context.Background(), model.EventStop, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls == 1, ok)
			assert.Equal(t, tt.wantCalls, tr.calls())
		})
	}
}

func TestBroadcast(t *testing.T) {
	catalog := fakeCatalog{
		{ID: 1, URL: "https://a", Enabled: true, Triggers: model.EventTriggers{OnPause: true}},
		{ID: 2, URL: "https://b", Enabled: false, Triggers: model.EventTriggers{OnPause: true}},
		{ID: 3, URL: "https://c", Enabled: true, Triggers: model.EventTriggers{OnResume: true}},
		{ID: 4, URL: "ftp://d", Enabled: true, Triggers: model.EventTriggers{OnPause: true}},
	}
	tr := &fakeTransport{}
	s := newTestSender(t, catalog, metricTelemetry(0), tr)

	assert.Equal(t, []int{1, 4}, s.Triggered(model.EventPause))
	assert.Equal(t, []int{1}, s.Broadcast(context.Background(), model.EventPause))
	assert.Equal(t, 1, tr.calls())
}

func TestHTTPTransport_Post(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(2 * time.Second)
	code, err := tr.Post(context.Background(), srv.URL, map[string]string{"Content-Type": "text/plain"}, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "hi", string(gotBody))
	assert.Equal(t, "text/plain", gotHeader.Get("Content-Type"))
}

func TestHTTPTransport_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := NewHTTPTransport(50 * time.Millisecond)
	_, err := tr.Post(context.Background(), srv.URL, nil, nil)
	assert.Error(t, err)
}

func TestSender_EndToEndOverHTTP(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	catalog := fakeCatalog{{ID: 7, URL: srv.URL, Enabled: true, Triggers: model.EventTriggers{OnCustom: true}}}
	s := newTestSender(t, catalog, metricTelemetry(0), NewHTTPTransport(time.Second))

	ok, err := s.HandleEvent(context.Background(), model.EventCustom, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	mu.Lock()
	assert.Equal(t, 1, hits)
	mu.Unlock()
}
