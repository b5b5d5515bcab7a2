package conn_test

import (
	"context"
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	apns2 "github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/jchambers/pushy-go/internal/apnstest"
	"github.com/jchambers/pushy-go/internal/conn"
)

// BenchmarkEndpoint_Send measures one accepted push round-trip against
// the in-process test server through this package's raw-framer
// Endpoint.
func BenchmarkEndpoint_Send(b *testing.B) {
	srv := apnstest.New(func(r *http.Request) apnstest.Reply {
		return apnstest.Reply{Status: 200, Headers: map[string]string{"apns-id": "bench"}}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep, err := conn.Dial(ctx, "bench", srv.Addr(), srv.ClientTLSConfig(), conn.Options{
		PingInterval: time.Hour,
		PingTimeout:  time.Hour,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { <-ep.Close(false) }()

	req := conn.Request{
		Path:      "/3/device/abc123",
		Authority: "api.push.apple.com",
		Headers:   map[string]string{"apns-topic": "com.example.App"},
		Body:      []byte(`{"aps":{"alert":"hi"}}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ch, _, err := ep.Send(context.Background(), req)
		if err != nil {
			b.Fatal(err)
		}
		if resp := <-ch; resp.Err != nil {
			b.Fatal(resp.Err)
		}
	}
}

// BenchmarkReferenceClient_Send runs the same round-trip through
// sideshow/apns2's net/http-based client against the same test
// server, as a reference point for this package's raw http2.Framer
// transport.
func BenchmarkReferenceClient_Send(b *testing.B) {
	srv := apnstest.New(func(r *http.Request) apnstest.Reply {
		return apnstest.Reply{Status: 200, Headers: map[string]string{"apns-id": "bench"}}
	})
	defer srv.Close()

	client := apns2.NewClient(tls.Certificate{}).Production()
	client.HTTPClient = srv.Client()
	client.Host = srv.URL

	n := &apns2.Notification{
		DeviceToken: "abc123",
		Topic:       "com.example.App",
		Payload:     payload.NewPayload().Alert("hi"),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.Push(n); err != nil {
			b.Fatal(err)
		}
	}
}
