// Command pushyctl sends a single push notification through the
// public Client, for manual testing against a real or sandbox APNs
// environment.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jchambers/pushy-go"
	"github.com/jchambers/pushy-go/keys"
)

var (
	deviceToken = kingpin.Arg("device-token", "hex-encoded device token to push to").Required().String()
	topic       = kingpin.Arg("topic", "bundle ID / apns-topic").Required().String()
	message     = kingpin.Flag("message", "alert text for a default aps payload").Default("Hello from pushyctl").String()

	keyPath = kingpin.Flag("key-path", "path to the .p8 signing key (falls back to $APNS_KEY_PATH)").Envar("APNS_KEY_PATH").String()
	keyID   = kingpin.Flag("key-id", "APNs key ID (falls back to $APNS_KEY_ID)").Envar("APNS_KEY_ID").String()
	teamID  = kingpin.Flag("team-id", "Apple developer team ID (falls back to $APNS_TEAM_ID)").Envar("APNS_TEAM_ID").String()

	sandbox = kingpin.Flag("sandbox", "use the development APNs environment").Bool()
	timeout = kingpin.Flag("timeout", "overall deadline for connecting and sending").Default("10s").Duration()
)

func main() {
	kingpin.Version("pushyctl 1.0.0")

	// Load .env before parsing so its APNS_* values reach the flags'
	// environment fallbacks.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded .env file")
	}

	kingpin.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pushyctl:", err)
		os.Exit(1)
	}
}

func run() error {
	if *keyPath == "" || *keyID == "" || *teamID == "" {
		return fmt.Errorf("key-path, key-id, and team-id are all required (flags or APNS_KEY_PATH/APNS_KEY_ID/APNS_TEAM_ID)")
	}

	signingKey, err := keys.LoadP8(*keyPath, *keyID, *teamID)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	builder := apns.NewClientBuilder().
		SigningKey(signingKey).
		Logger(logger)
	if *sandbox {
		builder = builder.Development()
	}

	client, err := builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}
	defer client.Close(5 * time.Second)

	payload := []byte(fmt.Sprintf(`{"aps":{"alert":%q}}`, *message))
	notification, err := apns.NewPushNotification(*deviceToken, *topic, payload)
	if err != nil {
		return fmt.Errorf("building notification: %w", err)
	}

	outcome, err := client.Submit(ctx, notification)
	if err != nil {
		return fmt.Errorf("submitting notification: %w", err)
	}

	switch {
	case outcome.IsAccepted():
		fmt.Printf("accepted: apns-id=%s\n", outcome.ApnsID)
	case outcome.IsRejected():
		fmt.Printf("rejected: %s\n", outcome.Rejected.Error())
		os.Exit(1)
	default:
		fmt.Printf("failed: %v\n", outcome.Err)
		os.Exit(1)
	}

	return nil
}
