package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/mathrush/internal/arbiter"
	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/errors"
	"github.com/victornm/mathrush/internal/gateway"
	"github.com/victornm/mathrush/internal/round"
	"github.com/victornm/mathrush/internal/session"
)

const prefix = "test:"

func TestHub_ServeWS_RejectsInvalidSession(t *testing.T) {
	tests := map[string]struct {
		url         func(base string) string
		wantMessage string
	}{
		"missing session": {
			url:         func(base string) string { return base },
			wantMessage: "Session required",
		},
		"unknown session": {
			url:         func(base string) string { return base + "?sessionId=7d444840-9dc0-11d1-b245-5ffdce74fad2" },
			wantMessage: "session not found: 7d444840-9dc0-11d1-b245-5ffdce74fad2",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := makeEnv(t)
			ws := e.dial(t, tt.url(e.url))

			m := readEvent(t, ws, gateway.EventError)
			var got gateway.Error
			require.NoError(t, json.Unmarshal(m.Data, &got))
			assert.Equal(t, string(errors.ReasonSessionInvalid), got.Error)
			assert.Equal(t, tt.wantMessage, got.Message)

			_, _, err := ws.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
			assert.False(t, e.mr.Exists(prefix+"presence"))
		})
	}
}

func TestHub_ServeWS_SendsSnapshotAndPresence(t *testing.T) {
	e := makeEnv(t)
	id := e.createSession(t, "Alice")

	ws := e.dial(t, e.url+"?sessionId="+id)

	q := readEvent(t, ws, gateway.EventQuestionCurrent)
	var question gateway.Question
	require.NoError(t, json.Unmarshal(q.Data, &question))
	assert.Equal(t, gateway.NewQuestion(e.quiz.question), question)

	l := readEvent(t, ws, gateway.EventLeaderboardChanged)
	var entries []gateway.LeaderboardEntry
	require.NoError(t, json.Unmarshal(l.Data, &entries))
	assert.Equal(t, []gateway.LeaderboardEntry{{SessionID: id, Username: "Alice", Score: 10}}, entries)

	p := readEvent(t, ws, gateway.EventPresenceCount)
	assert.JSONEq(t, `{"count":1}`, string(p.Data))

	fields, err := e.mr.HKeys(prefix + "presence")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, id, e.mr.HGet(prefix+"presence", fields[0]))
}

func TestHub_ServeWS_SessionFromHeader(t *testing.T) {
	e := makeEnv(t)
	id := e.createSession(t, "Alice")

	ws, _, err := websocket.DefaultDialer.Dial(e.url, http.Header{"X-Session-Id": {id}})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	readEvent(t, ws, gateway.EventQuestionCurrent)
}

func TestHub_Disconnect_ReleasesPresence(t *testing.T) {
	e := makeEnv(t)

	first := e.dial(t, e.url+"?sessionId="+e.createSession(t, "Alice"))
	readEvent(t, first, gateway.EventPresenceCount)

	second := e.dial(t, e.url+"?sessionId="+e.createSession(t, "Bob"))
	readEvent(t, second, gateway.EventPresenceCount)

	require.NoError(t, second.Close())

	require.Eventually(t, func() bool {
		fields, _ := e.mr.HKeys(prefix + "presence")
		return len(fields) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m := readEventMatching(t, first, func(m gateway.Message) bool {
		return m.Event == gateway.EventPresenceCount && string(m.Data) == `{"count":1}`
	})
	assert.Equal(t, gateway.EventPresenceCount, m.Event)
}

func TestHub_InboundEvents(t *testing.T) {
	tests := map[string]struct {
		send   gateway.Message
		assert func(t *testing.T, e env, sessionID string, ws *websocket.Conn)
	}{
		"submit answer as number": {
			send: gateway.Message{Event: gateway.EventSubmitAnswer, Data: json.RawMessage(`{"questionId":"q1","answer":42}`)},
			assert: func(t *testing.T, e env, sessionID string, ws *websocket.Conn) {
				m := readEvent(t, ws, gateway.EventAnswerResult)
				assert.JSONEq(t, `{"success":true,"isWinner":true,"newScore":20}`, string(m.Data))
				assert.Equal(t, []arbiter.SubmitRequest{{SessionID: sessionID, QuestionID: "q1", Answer: "42"}}, e.quiz.submitted())
			},
		},
		"submit answer as string": {
			send: gateway.Message{Event: gateway.EventSubmitAnswer, Data: json.RawMessage(`{"questionId":"q1","answer":"41"}`)},
			assert: func(t *testing.T, e env, sessionID string, ws *websocket.Conn) {
				m := readEvent(t, ws, gateway.EventAnswerResult)
				assert.JSONEq(t, `{"success":false,"isWinner":false,"error":"WRONG_ANSWER","message":"Wrong answer","httpStatus":200}`, string(m.Data))
			},
		},
		"submit answer with missing fields": {
			send: gateway.Message{Event: gateway.EventSubmitAnswer, Data: json.RawMessage(`{"answer":"41"}`)},
			assert: func(t *testing.T, e env, sessionID string, ws *websocket.Conn) {
				m := readEvent(t, ws, gateway.EventError)
				assert.Contains(t, string(m.Data), "INVALID_PAYLOAD")
				assert.Empty(t, e.quiz.submitted())
			},
		},
		"ping object": {
			send: gateway.Message{Event: gateway.EventPing, Data: json.RawMessage(`{"timestamp":1760529600123}`)},
			assert: func(t *testing.T, e env, sessionID string, ws *websocket.Conn) {
				m := readEvent(t, ws, gateway.EventPong)
				assert.JSONEq(t, `{"timestamp":1760529600123}`, string(m.Data))
			},
		},
		"ping number": {
			send: gateway.Message{Event: gateway.EventPing, Data: json.RawMessage(`1760529600123`)},
			assert: func(t *testing.T, e env, sessionID string, ws *websocket.Conn) {
				m := readEvent(t, ws, gateway.EventPong)
				assert.JSONEq(t, `{"timestamp":1760529600123}`, string(m.Data))
			},
		},
		"get leaderboard": {
			send: gateway.Message{Event: gateway.EventGetLeaderboard},
			assert: func(t *testing.T, e env, sessionID string, ws *websocket.Conn) {
				m := readEvent(t, ws, gateway.EventLeaderboardChanged)
				assert.Contains(t, string(m.Data), sessionID)
			},
		},
		"join resends the snapshot": {
			send: gateway.Message{Event: gateway.EventJoin},
			assert: func(t *testing.T, e env, sessionID string, ws *websocket.Conn) {
				readEvent(t, ws, gateway.EventQuestionCurrent)
				readEvent(t, ws, gateway.EventLeaderboardChanged)
			},
		},
		"unknown event": {
			send: gateway.Message{Event: "dance"},
			assert: func(t *testing.T, e env, sessionID string, ws *websocket.Conn) {
				m := readEvent(t, ws, gateway.EventError)
				assert.Contains(t, string(m.Data), "UNKNOWN_EVENT")
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := makeEnv(t)
			id := e.createSession(t, "Alice")
			ws := e.dial(t, e.url+"?sessionId="+id)

			// Drain the connect snapshot.
			readEvent(t, ws, gateway.EventQuestionCurrent)
			readEvent(t, ws, gateway.EventLeaderboardChanged)

			require.NoError(t, ws.WriteJSON(tt.send))
			tt.assert(t, e, id, ws)
		})
	}
}

func TestHub_InboundEvents_TouchSession(t *testing.T) {
	e := makeEnv(t)
	id := e.createSession(t, "Alice")
	ws := e.dial(t, e.url+"?sessionId="+id)
	readEvent(t, ws, gateway.EventQuestionCurrent)

	e.mr.SetTTL(prefix+"session:"+id, time.Minute)

	require.NoError(t, ws.WriteJSON(gateway.Message{Event: gateway.EventPing, Data: json.RawMessage(`1`)}))
	readEvent(t, ws, gateway.EventPong)

	assert.Greater(t, e.mr.TTL(prefix+"session:"+id), time.Hour)
}

func TestHub_BroadcastReachesEveryInstance(t *testing.T) {
	e := makeEnv(t)
	other := e.startHub(t)

	ws := e.dial(t, e.url+"?sessionId="+e.createSession(t, "Alice"))
	readEvent(t, ws, gateway.EventLeaderboardChanged)

	require.NoError(t, other.Broadcast(context.Background(), gateway.EventWinnerAnnounced, gateway.Winner{
		Username:  "Bob",
		SessionID: "b",
		NewScore:  30,
	}))

	m := readEvent(t, ws, gateway.EventWinnerAnnounced)
	assert.JSONEq(t, `{"username":"Bob","sessionId":"b","newScore":30}`, string(m.Data))
}

func TestHub_Unicast(t *testing.T) {
	e := makeEnv(t)

	alice := e.createSession(t, "Alice")
	aws := e.dial(t, e.url+"?sessionId="+alice)
	readEvent(t, aws, gateway.EventLeaderboardChanged)

	bws := e.dial(t, e.url+"?sessionId="+e.createSession(t, "Bob"))
	readEvent(t, bws, gateway.EventLeaderboardChanged)

	require.NoError(t, e.hub.Unicast(context.Background(), alice, gateway.EventPong, gateway.Pong{Timestamp: 7}))
	require.NoError(t, e.hub.Broadcast(context.Background(), gateway.EventPong, gateway.Pong{Timestamp: 8}))

	m := readEvent(t, aws, gateway.EventPong)
	assert.JSONEq(t, `{"timestamp":7}`, string(m.Data))

	// Bob's first pong is the broadcast one.
	m = readEvent(t, bws, gateway.EventPong)
	assert.JSONEq(t, `{"timestamp":8}`, string(m.Data))

	assert.NoError(t, e.hub.Unicast(context.Background(), "nobody", gateway.EventPong, gateway.Pong{}), "offline sessions are dropped silently")
}

func TestHub_Evict(t *testing.T) {
	e := makeEnv(t)
	id := e.createSession(t, "Alice")
	ws := e.dial(t, e.url+"?sessionId="+id)
	readEvent(t, ws, gateway.EventLeaderboardChanged)

	require.NoError(t, e.hub.Evict(context.Background(), id, gateway.Error{
		Error:   string(errors.ReasonSessionInvalid),
		Message: "Session ended",
	}))

	m := readEvent(t, ws, gateway.EventError)
	assert.Contains(t, string(m.Data), "Session ended")

	var err error
	for err == nil {
		_, _, err = ws.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		return !e.mr.Exists(prefix + "presence")
	}, 2*time.Second, 10*time.Millisecond)
}

type fakeQuiz struct {
	question    domain.PublicQuestion
	leaderboard domain.Leaderboard

	mu       sync.Mutex
	requests []arbiter.SubmitRequest
}

func (f *fakeQuiz) Snapshot(ctx context.Context) (*round.Snapshot, error) {
	l, _ := f.Leaderboard(ctx)
	q := f.question
	return &round.Snapshot{Question: &q, Leaderboard: l}, nil
}

func (f *fakeQuiz) Leaderboard(context.Context) (*domain.Leaderboard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.Leaderboard{Entries: append([]domain.LeaderboardEntry(nil), f.leaderboard.Entries...)}, nil
}

func (f *fakeQuiz) addEntry(e domain.LeaderboardEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderboard.Entries = append(f.leaderboard.Entries, e)
}

func (f *fakeQuiz) Submit(_ context.Context, req arbiter.SubmitRequest) (*domain.SubmitResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if req.Answer == "42" {
		return &domain.SubmitResult{IsWinner: true, NewScore: 20, HTTPStatus: 200}, nil
	}
	return &domain.SubmitResult{Reason: errors.ReasonWrongAnswer, Message: "Wrong answer", HTTPStatus: 200}, nil
}

func (f *fakeQuiz) submitted() []arbiter.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]arbiter.SubmitRequest(nil), f.requests...)
}

type env struct {
	mr      *miniredis.Miniredis
	rc      redis.UniversalClient
	session *session.Service
	quiz    *fakeQuiz
	hub     *gateway.Hub
	url     string
}

func (e env) createSession(t *testing.T, username string) string {
	ss, err := e.session.Create(context.Background(), username)
	require.NoError(t, err)

	// Show every participant on the board so snapshots have content.
	e.quiz.addEntry(domain.LeaderboardEntry{
		SessionID: ss.SessionID,
		Username:  ss.Username,
		Score:     10,
	})
	return ss.SessionID
}

func (e env) dial(t *testing.T, url string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (e env) startHub(t *testing.T) *gateway.Hub {
	h := gateway.NewHub(gateway.Config{
		Redis:    e.rc,
		Prefix:   prefix,
		Sessions: e.session,
		Quiz:     e.quiz,
		Timeout:  500 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-h.Ready():
	case <-time.After(time.Second):
		t.Fatal("hub did not subscribe")
	}

	return h
}

func makeEnv(t *testing.T) env {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{mr.Addr()},
		MaxRetries: -1,
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	e := env{
		mr:      mr,
		rc:      rc,
		session: session.NewService(session.Config{Redis: rc, Prefix: prefix, Timeout: 500 * time.Millisecond}),
		quiz: &fakeQuiz{
			question: domain.PublicQuestion{
				QuestionID:  "q1",
				ProblemText: "6 * 7",
				Difficulty:  domain.DifficultyEasy,
				CreatedAt:   time.UnixMilli(1760529600000),
			},
		},
	}

	e.hub = e.startHub(t)

	srv := httptest.NewServer(http.HandlerFunc(e.hub.ServeWS))
	t.Cleanup(srv.Close)
	e.url = "ws" + strings.TrimPrefix(srv.URL, "http")

	return e
}

func readEvent(t *testing.T, ws *websocket.Conn, event string) gateway.Message {
	t.Helper()
	return readEventMatching(t, ws, func(m gateway.Message) bool { return m.Event == event })
}

// readEventMatching skips frames until match accepts one.
func readEventMatching(t *testing.T, ws *websocket.Conn, match func(gateway.Message) bool) gateway.Message {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var m gateway.Message
		require.NoError(t, ws.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}
