package bus

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	received chan Frame
}

func (h *echoHandler) Handle(_ context.Context, f Frame) (*Frame, error) {
	h.received <- f
	if f.MsgType == MsgAck {
		return nil, nil
	}
	reply := Frame{MsgType: MsgStatusResponse, MsgID: "reply-" + f.MsgID, From: "orchestrator", To: f.From, TS: time.Now().Unix(), Nonce: "reply-nonce"}
	return &reply, nil
}

func TestServer_AuthenticatesAndDispatches(t *testing.T) {
	key := []byte("shared-secret")
	sockPath := filepath.Join(t.TempDir(), "devitd.sock")

	ln, err := ListenUnix(sockPath)
	require.NoError(t, err)

	handler := &echoHandler{received: make(chan Frame, 4)}
	auth := NewAuthenticator(key, time.Minute, nil)
	server := NewServer(ln, auth, handler, nil, 0, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := DialUnix(sockPath)
	require.NoError(t, err)
	defer conn.Close()

	f := Frame{MsgType: MsgHello, MsgID: "m1", From: "worker:code", To: "orchestrator", TS: time.Now().Unix(), Nonce: "n1", Payload: json.RawMessage(`{}`)}
	require.NoError(t, Sign(key, &f))
	require.NoError(t, WriteFrame(conn, f))

	select {
	case got := <-handler.received:
		require.Equal(t, "worker:code", got.From)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not receive frame")
	}

	reply, err := ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, MsgStatusResponse, reply.MsgType)
}

func TestServer_RejectsTamperedFrame(t *testing.T) {
	key := []byte("shared-secret")
	sockPath := filepath.Join(t.TempDir(), "devitd.sock")

	ln, err := ListenUnix(sockPath)
	require.NoError(t, err)

	handler := &echoHandler{received: make(chan Frame, 4)}
	auth := NewAuthenticator(key, time.Minute, nil)
	server := NewServer(ln, auth, handler, nil, 0, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := DialUnix(sockPath)
	require.NoError(t, err)
	defer conn.Close()

	f := Frame{MsgType: MsgHeartbeat, MsgID: "m1", From: "worker:code", To: "orchestrator", TS: time.Now().Unix(), Nonce: "n1"}
	require.NoError(t, Sign(key, &f))
	f.Payload = json.RawMessage(`{"tampered":true}`)
	require.NoError(t, WriteFrame(conn, f))

	select {
	case <-handler.received:
		t.Fatal("handler should not have received a tampered frame")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_RejectsPayloadFailingSchema(t *testing.T) {
	key := []byte("shared-secret")
	sockPath := filepath.Join(t.TempDir(), "devitd.sock")

	ln, err := ListenUnix(sockPath)
	require.NoError(t, err)

	handler := &echoHandler{received: make(chan Frame, 4)}
	auth := NewAuthenticator(key, time.Minute, nil)
	schema, err := NewSchemaRegistry(DefaultSchemas())
	require.NoError(t, err)
	server := NewServer(ln, auth, handler, nil, 0, 0, schema)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := DialUnix(sockPath)
	require.NoError(t, err)
	defer conn.Close()

	// NOTIFY requires task_id and status; this payload has neither.
	f := Frame{MsgType: MsgNotify, MsgID: "m1", From: "worker:code", To: "orchestrator", TS: time.Now().Unix(), Nonce: "n1", Payload: json.RawMessage(`{"summary":"done"}`)}
	require.NoError(t, Sign(key, &f))
	require.NoError(t, WriteFrame(conn, f))

	select {
	case <-handler.received:
		t.Fatal("handler should not have received a payload that fails schema validation")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_SendRequiresConnectedIdentity(t *testing.T) {
	key := []byte("shared-secret")
	sockPath := filepath.Join(t.TempDir(), "devitd.sock")

	ln, err := ListenUnix(sockPath)
	require.NoError(t, err)

	handler := &echoHandler{received: make(chan Frame, 1)}
	auth := NewAuthenticator(key, time.Minute, nil)
	server := NewServer(ln, auth, handler, nil, 0, 0, nil)

	err = server.Send("nobody", Frame{MsgType: MsgNotify, MsgID: "m1", From: "orchestrator", To: "nobody", TS: time.Now().Unix(), Nonce: "n1"})
	require.Error(t, err)
}
