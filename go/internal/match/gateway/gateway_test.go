package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/stakechess/go/internal/auth"
	"github.com/mcdev12/stakechess/go/internal/match"
	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
	"github.com/mcdev12/stakechess/go/internal/rules/rulestest"
)

type fixture struct {
	t      *testing.T
	store  *repository.MemoryStore
	coord  *match.Coordinator
	auth   *auth.Authenticator
	svc    *Service
	server *httptest.Server

	white, black uuid.UUID
	session      uuid.UUID
}

// newFixture starts a gateway in inline mode over an active no-stake session
// at version 2.
func newFixture(t *testing.T) *fixture {
	clock := clockwork.NewFakeClock()
	store := repository.NewMemoryStore(clock)
	coord := match.NewCoordinator(store, rulestest.New(), clock, match.DefaultPolicy())
	a := auth.NewAuthenticator([]byte("gateway-test-secret"), clock)

	svc, err := NewService(Config{Connection: DefaultConnectionConfig(), Inline: true}, coord, a)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	f := &fixture{t: t, store: store, coord: coord, auth: a, svc: svc, server: server, white: uuid.New(), black: uuid.New()}
	view, err := coord.CreateSession(ctx, f.white, match.CreateSessionRequest{Opponent: &f.black})
	require.NoError(t, err)
	f.session = view.Session.ID
	_, err = coord.SetWager(ctx, f.white, match.SetWagerRequest{SessionID: f.session, Type: models.WagerTypeNone})
	require.NoError(t, err)
	return f
}

func (f *fixture) token(user uuid.UUID) string {
	tok, err := f.auth.Issue(user, false, time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) dial(user uuid.UUID) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") +
		"/ws/match?session=" + f.session.String() + "&token=" + f.token(user)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	resp.Body.Close()
	f.t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// deliverOutbox pushes every outbox row through the gateway, as the relay would.
func (f *fixture) deliverOutbox() {
	for _, e := range f.store.Outbox() {
		require.NoError(f.t, f.svc.Deliver(events.NewEnvelope(e, time.Now())))
	}
}

func TestWebSocket_SnapshotThenDeltas(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(f.white)

	snap := read(t, conn)
	assert.Equal(t, EventTypeSnapshot, snap.EventType)
	assert.Equal(t, int64(2), snap.StateVersion)
	delta, err := snap.Delta()
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, delta.View.Session.Status)

	_, err = f.coord.SubmitMove(context.Background(), f.white, match.MoveRequest{SessionID: f.session, Move: "e2e4"})
	require.NoError(t, err)

	// Versions 1 and 2 are already covered by the snapshot and are dropped.
	f.deliverOutbox()
	env := read(t, conn)
	assert.Equal(t, events.EventTypeMoveMade, env.EventType)
	assert.Equal(t, int64(3), env.StateVersion)

	// Ticks repeat the current version and still go out.
	require.NoError(t, f.svc.Deliver(events.Envelope{
		EventType:    events.EventTypeClockTick,
		SessionID:    f.session.String(),
		StateVersion: 3,
	}))
	env = read(t, conn)
	assert.Equal(t, events.EventTypeClockTick, env.EventType)

	// A redelivered move is not.
	f.deliverOutbox()
	_, err = f.coord.Resign(context.Background(), f.black, match.SessionRequest{SessionID: f.session})
	require.NoError(t, err)
	f.deliverOutbox()
	env = read(t, conn)
	assert.Equal(t, events.EventTypeSessionFinished, env.EventType)
	assert.Equal(t, int64(4), env.StateVersion)
}

func TestWebSocket_SpectatorAndResync(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(uuid.New())

	snap := read(t, conn)
	assert.Equal(t, EventTypeSnapshot, snap.EventType)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "resync"}))
	again := read(t, conn)
	assert.Equal(t, EventTypeSnapshot, again.EventType)
	assert.Equal(t, snap.StateVersion, again.StateVersion)

	assert.Eventually(t, func() bool {
		stats := f.svc.Connections().Stats()
		return stats.TotalConnections == 1 && stats.SessionConnections[f.session.String()] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocket_Rejections(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/ws/match?session=" + f.session.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/ws/match?session=nope&token=" + f.token(f.white))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/ws/match?session=" + uuid.NewString() + "&token=" + f.token(f.white))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStateHandler(t *testing.T) {
	f := newFixture(t)

	get := func(id string, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/matches/"+id+"/state", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get(f.session.String(), f.token(f.black))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view events.SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, f.session, view.Session.ID)
	assert.Equal(t, int64(2), view.Session.Version)
	assert.Equal(t, models.SessionStatusActive, view.Session.Status)

	assert.Equal(t, http.StatusUnauthorized, get(f.session.String(), "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("nope", f.token(f.black)).StatusCode)
	assert.Equal(t, http.StatusNotFound, get(uuid.NewString(), f.token(f.black)).StatusCode)
}

func TestDeliver_RejectsIncompleteEnvelope(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig(), nil)
	assert.Error(t, Deliver(cm, events.Envelope{EventID: "x"}))
	assert.NoError(t, Deliver(cm, events.Envelope{EventType: events.EventTypeMoveMade, SessionID: uuid.NewString()}))
}

func TestConnectionDeliver_StaleFilter(t *testing.T) {
	c := &Connection{Send: make(chan []byte, 1)}
	move := events.Envelope{EventType: events.EventTypeMoveMade, StateVersion: 5}

	ok, full := c.deliver(5, move.Stale, []byte("a"))
	assert.True(t, ok)
	assert.False(t, full)
	<-c.Send

	ok, _ = c.deliver(5, move.Stale, []byte("a"))
	assert.False(t, ok)

	tick := events.Envelope{EventType: events.EventTypeClockTick, StateVersion: 5}
	ok, _ = c.deliver(5, tick.Stale, []byte("t"))
	assert.True(t, ok)

	next := events.Envelope{EventType: events.EventTypeMoveMade, StateVersion: 6}
	_, full = c.deliver(6, next.Stale, []byte("b"))
	assert.True(t, full)

	c.close()
	ok, full = c.deliver(7, next.Stale, []byte("c"))
	assert.False(t, ok)
	assert.False(t, full)
}
