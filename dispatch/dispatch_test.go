package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lingua-live/activity"
	"lingua-live/chat"
	"lingua-live/faults"
	"lingua-live/messages"
	"lingua-live/state"
)

func newDispatcher(srv *httptest.Server) (*Dispatcher, *state.Machine, *activity.Log) {
	st := state.New(nil)
	log := activity.New(0)
	return New(srv.URL, st, log), st, log
}

func testTurn() Turn {
	return Turn{
		Credential:     "AIza-test",
		TargetLanguage: "Spanish",
		NativeLanguage: "English",
	}
}

func TestTextTurnSuccess(t *testing.T) {
	var gotReq messages.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(messages.ChatResponse{Response: "Hi!"})
	}))
	defer srv.Close()

	d, st, _ := newDispatcher(srv)
	turn := testTurn()
	turn.History = []chat.Message{{Role: chat.RoleUser, Content: "Hola"}}

	reply, err := d.TextTurn(context.Background(), turn, "Hello")
	if err != nil {
		t.Fatalf("TextTurn: %v", err)
	}
	if reply != "Hi!" {
		t.Errorf("reply = %q", reply)
	}
	if gotReq.Message != "Hello" || gotReq.APIKey != "AIza-test" {
		t.Errorf("request = %+v", gotReq)
	}
	if len(gotReq.History) != 1 || gotReq.History[0].Content != "Hola" {
		t.Errorf("history = %+v", gotReq.History)
	}

	snap := st.Snapshot()
	if snap.Loading {
		t.Error("loading flag must clear after the turn")
	}
	if !snap.Connected {
		t.Error("successful turn must mark connected")
	}
}

func TestTextTurnInvalidCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(messages.APIError{Error: "API key not valid"})
	}))
	defer srv.Close()

	d, st, log := newDispatcher(srv)
	st.SetConnected(true)

	_, err := d.TextTurn(context.Background(), testTurn(), "Hello")
	if faults.KindOf(err) != faults.InvalidCredential {
		t.Fatalf("kind = %v, want InvalidCredential", faults.KindOf(err))
	}
	// A rejected key is not a transport failure.
	if !st.Snapshot().Connected {
		t.Error("credential failure must not flip connected")
	}
	if log.Len() == 0 {
		t.Error("failure must be logged")
	}
}

func TestTextTurnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(messages.APIError{Error: "upstream unavailable"})
	}))
	defer srv.Close()

	d, st, _ := newDispatcher(srv)
	st.SetConnected(true)

	_, err := d.TextTurn(context.Background(), testTurn(), "Hello")
	if faults.KindOf(err) != faults.Remote {
		t.Fatalf("kind = %v, want Remote", faults.KindOf(err))
	}
	if st.Snapshot().Connected {
		t.Error("server failure must mark disconnected")
	}
	if st.Snapshot().Loading {
		t.Error("loading flag must clear on failure")
	}
}

// newLiveServer runs script against each websocket connection on /ws.
func newLiveServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
}

func readClient(t *testing.T, conn *websocket.Conn) messages.ClientMessage {
	t.Helper()
	var msg messages.ClientMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return msg
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Errorf("server decode: %v", err)
	}
	return msg
}

func sendServer(t *testing.T, conn *websocket.Conn, msg *messages.ServerMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Errorf("server write: %v", err)
	}
}

// acceptUtterance consumes the config, confirms the session and consumes the
// audio chunk plus the end-of-turn control.
func acceptUtterance(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	if msg := readClient(t, conn); msg.Type != "config" {
		t.Errorf("first message type = %s, want config", msg.Type)
	}
	sendServer(t, conn, messages.NewStatusMessage("s1", messages.StatusConnected, ""))

	audioMsg := readClient(t, conn)
	if audioMsg.Type != "audio" {
		t.Errorf("second message type = %s, want audio", audioMsg.Type)
	}
	var audio messages.AudioPayload
	if err := json.Unmarshal(audioMsg.Payload, &audio); err != nil {
		t.Errorf("audio payload: %v", err)
	}
	if msg := readClient(t, conn); msg.Type != "control" {
		t.Errorf("third message type = %s, want control", msg.Type)
	}
	return audio.Data
}

func TestAudioTurnCompletes(t *testing.T) {
	srv := newLiveServer(t, func(conn *websocket.Conn) {
		data := acceptUtterance(t, conn)
		if data != "dGVzdA==" {
			t.Errorf("utterance = %q", data)
		}
		for _, frag := range []string{"one", "two", "three"} {
			sendServer(t, conn, messages.NewAudioMessage("s1", frag, 24000))
		}
		sendServer(t, conn, messages.NewStatusMessage("s1", messages.StatusTurnComplete, ""))
	})
	defer srv.Close()

	d, st, _ := newDispatcher(srv)
	chunks, rate, err := d.AudioTurn(context.Background(), testTurn(), "dGVzdA==")
	if err != nil {
		t.Fatalf("AudioTurn: %v", err)
	}
	if len(chunks) != 3 || chunks[0] != "one" || chunks[2] != "three" {
		t.Errorf("chunks = %v", chunks)
	}
	if rate != 24000 {
		t.Errorf("rate = %d, want 24000", rate)
	}
	snap := st.Snapshot()
	if snap.ProcessingAudio {
		t.Error("processing flag must clear after the turn")
	}
	if !snap.Connected {
		t.Error("completed turn must mark connected")
	}
}

func TestAudioTurnTimeoutWithoutFragments(t *testing.T) {
	srv := newLiveServer(t, func(conn *websocket.Conn) {
		acceptUtterance(t, conn)
		// Stay silent; the client times the turn out and closes.
		conn.ReadMessage()
	})
	defer srv.Close()

	d, _, _ := newDispatcher(srv)
	d.TurnTimeout = 150 * time.Millisecond

	_, _, err := d.AudioTurn(context.Background(), testTurn(), "dGVzdA==")
	if faults.KindOf(err) != faults.Timeout {
		t.Fatalf("kind = %v, want Timeout (err=%v)", faults.KindOf(err), err)
	}
}

func TestAudioTurnTruncatedOnSilence(t *testing.T) {
	srv := newLiveServer(t, func(conn *websocket.Conn) {
		acceptUtterance(t, conn)
		sendServer(t, conn, messages.NewAudioMessage("s1", "one", 24000))
		sendServer(t, conn, messages.NewAudioMessage("s1", "two", 24000))
		// No turn_complete; go quiet until the client gives up.
		conn.ReadMessage()
	})
	defer srv.Close()

	d, _, _ := newDispatcher(srv)
	d.TurnTimeout = 150 * time.Millisecond

	chunks, rate, err := d.AudioTurn(context.Background(), testTurn(), "dGVzdA==")
	if err != nil {
		t.Fatalf("fragments in hand must resolve as success, got %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %v, want 2 fragments", chunks)
	}
	if rate != 24000 {
		t.Errorf("rate = %d", rate)
	}
}

func TestAudioTurnConnectionClose(t *testing.T) {
	srv := newLiveServer(t, func(conn *websocket.Conn) {
		acceptUtterance(t, conn)
		sendServer(t, conn, messages.NewAudioMessage("s1", "only", 24000))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	defer srv.Close()

	d, _, _ := newDispatcher(srv)
	chunks, _, err := d.AudioTurn(context.Background(), testTurn(), "dGVzdA==")
	if err != nil {
		t.Fatalf("close after fragments must resolve as success, got %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "only" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestAudioTurnRemoteError(t *testing.T) {
	srv := newLiveServer(t, func(conn *websocket.Conn) {
		acceptUtterance(t, conn)
		sendServer(t, conn, messages.NewAudioMessage("s1", "partial", 24000))
		sendServer(t, conn, messages.NewErrorMessage("s1",
			messages.ErrCodeInvalidCredential, "API key not valid"))
	})
	defer srv.Close()

	d, st, _ := newDispatcher(srv)
	st.SetConnected(true)

	_, _, err := d.AudioTurn(context.Background(), testTurn(), "dGVzdA==")
	if faults.KindOf(err) != faults.InvalidCredential {
		t.Fatalf("kind = %v, want InvalidCredential (err=%v)", faults.KindOf(err), err)
	}
	// The error supersedes the partial fragment and spares the connected flag.
	if !st.Snapshot().Connected {
		t.Error("credential failure must not flip connected")
	}
}

func TestParseRate(t *testing.T) {
	cases := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm;rate=16000;codec=raw", 16000},
		{"audio/pcm", 0},
		{"audio/pcm;rate=abc", 0},
		{"", 0},
	}
	for _, c := range cases {
		if got := parseRate(c.mime); got != c.want {
			t.Errorf("parseRate(%q) = %d, want %d", c.mime, got, c.want)
		}
	}
}
