package conn_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jchambers/pushy-go/internal/apnstest"
	"github.com/jchambers/pushy-go/internal/conn"
)

func dialTestServer(t *testing.T, h apnstest.Handler) (*apnstest.Server, *conn.Endpoint) {
	t.Helper()
	srv := apnstest.New(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep, err := conn.Dial(ctx, "test", srv.Addr(), srv.ClientTLSConfig(), conn.Options{
		PingInterval: time.Hour,
		PingTimeout:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { <-ep.Close(false) })

	return srv, ep
}

func TestEndpoint_ReachesReadyAfterHandshake(t *testing.T) {
	_, ep := dialTestServer(t, func(r *http.Request) apnstest.Reply {
		return apnstest.Reply{Status: 200}
	})
	require.Equal(t, conn.StateReady, ep.State())
	require.GreaterOrEqual(t, ep.MaxConcurrentStreams(), uint32(1))
}

func TestEndpoint_SendAcceptedReturnsApnsID(t *testing.T) {
	_, ep := dialTestServer(t, func(r *http.Request) apnstest.Reply {
		return apnstest.Reply{
			Status:  200,
			Headers: map[string]string{"apns-id": "A4F9-B3E2"},
		}
	})

	resultCh, _, err := ep.Send(context.Background(), conn.Request{
		Path:      "/3/device/abc123",
		Authority: "api.push.apple.com",
		Headers:   map[string]string{"apns-topic": "com.example.App"},
		Body:      []byte(`{"aps":{"alert":"hi"}}`),
	})
	require.NoError(t, err)

	select {
	case resp := <-resultCh:
		require.NoError(t, resp.Err)
		require.Equal(t, 200, resp.StatusCode)
		require.Equal(t, "A4F9-B3E2", resp.Headers["apns-id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestEndpoint_SendRejectedReturnsReasonBody(t *testing.T) {
	_, ep := dialTestServer(t, func(r *http.Request) apnstest.Reply {
		body, _ := json.Marshal(map[string]any{"reason": "BadDeviceToken"})
		return apnstest.Reply{Status: 400, Body: body}
	})

	resultCh, _, err := ep.Send(context.Background(), conn.Request{
		Path:      "/3/device/bad",
		Authority: "api.push.apple.com",
		Headers:   map[string]string{"apns-topic": "com.example.App"},
	})
	require.NoError(t, err)

	resp := <-resultCh
	require.NoError(t, resp.Err)
	require.Equal(t, 400, resp.StatusCode)

	var decoded struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &decoded))
	require.Equal(t, "BadDeviceToken", decoded.Reason)
}

func TestEndpoint_GracefulCloseWaitsForInflightThenCloses(t *testing.T) {
	release := make(chan struct{})
	_, ep := dialTestServer(t, func(r *http.Request) apnstest.Reply {
		<-release
		return apnstest.Reply{Status: 200}
	})

	resultCh, _, err := ep.Send(context.Background(), conn.Request{
		Path:      "/3/device/abc",
		Authority: "api.push.apple.com",
		Headers:   map[string]string{"apns-topic": "com.example.App"},
	})
	require.NoError(t, err)

	doneCh := ep.Close(true)

	select {
	case <-doneCh:
		t.Fatal("graceful close must not complete while a stream is inflight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("graceful close never completed after stream finished")
	}

	require.Equal(t, conn.StateClosed, ep.State())
	<-resultCh
}

func TestEndpoint_HardCloseFailsInflightStreams(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	_, ep := dialTestServer(t, func(r *http.Request) apnstest.Reply {
		<-release
		return apnstest.Reply{Status: 200}
	})

	resultCh, _, err := ep.Send(context.Background(), conn.Request{
		Path:      "/3/device/abc",
		Authority: "api.push.apple.com",
		Headers:   map[string]string{"apns-topic": "com.example.App"},
	})
	require.NoError(t, err)

	<-ep.Close(false)

	resp := <-resultCh
	require.Error(t, resp.Err)
}

func TestEndpoint_SendAfterCloseFails(t *testing.T) {
	_, ep := dialTestServer(t, func(r *http.Request) apnstest.Reply {
		return apnstest.Reply{Status: 200}
	})
	<-ep.Close(false)

	_, _, err := ep.Send(context.Background(), conn.Request{Path: "/3/device/x", Authority: "a"})
	require.ErrorIs(t, err, conn.ErrNotReady)
}

func TestEndpoint_DeadlineCancelsStreamAndResetsIt(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reset := make(chan struct{})
	_, ep := dialTestServer(t, func(r *http.Request) apnstest.Reply {
		select {
		case <-release:
		case <-r.Context().Done():
			close(reset)
		}
		return apnstest.Reply{Status: 200}
	})

	resultCh, _, err := ep.Send(context.Background(), conn.Request{
		Path:      "/3/device/abc",
		Authority: "api.push.apple.com",
		Headers:   map[string]string{"apns-topic": "com.example.App"},
		Deadline:  time.Now().Add(50 * time.Millisecond),
	})
	require.NoError(t, err)

	select {
	case resp := <-resultCh:
		require.ErrorIs(t, resp.Err, conn.ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}

	select {
	case <-reset:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the stream reset")
	}
}

func TestEndpoint_CancelResetsStreamAndResolvesErrCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reset := make(chan struct{})
	_, ep := dialTestServer(t, func(r *http.Request) apnstest.Reply {
		select {
		case <-release:
		case <-r.Context().Done():
			close(reset)
		}
		return apnstest.Reply{Status: 200}
	})

	resultCh, streamID, err := ep.Send(context.Background(), conn.Request{
		Path:      "/3/device/abc",
		Authority: "api.push.apple.com",
		Headers:   map[string]string{"apns-topic": "com.example.App"},
	})
	require.NoError(t, err)
	require.NotZero(t, streamID)

	ep.Cancel(streamID)

	select {
	case resp := <-resultCh:
		require.ErrorIs(t, resp.Err, conn.ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never resolved the stream")
	}

	select {
	case <-reset:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the stream reset")
	}
}
