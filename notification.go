package apns

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxPayloadBytes is the APNs size bound for ordinary notifications.
	MaxPayloadBytes = 4096
	// MaxVoIPPayloadBytes is the APNs size bound for VoIP notifications.
	MaxVoIPPayloadBytes = 5120
)

// PushType is the value of the apns-push-type header.
type PushType string

const (
	PushTypeAlert        PushType = "alert"
	PushTypeBackground   PushType = "background"
	PushTypeVOIP         PushType = "voip"
	PushTypeComplication PushType = "complication"
	PushTypeFileProvider PushType = "fileprovider"
	PushTypeMDM          PushType = "mdm"
	PushTypeLiveActivity PushType = "liveactivity"
	PushTypePushToTalk   PushType = "pushtotalk"
)

// PushNotification is a record describing one submission.
// NewPushNotification builds and validates one; Client.Submit
// validates every notification it is given, however it was built.
type PushNotification struct {
	DeviceToken string
	Topic       string
	Payload     []byte

	Expiration    time.Time // only meaningful when HasExpiration is true
	HasExpiration bool      // false sends apns-expiration: 0 (discard if undeliverable)
	Priority      int       // 0 means unset; otherwise 5 or 10
	CollapseID    string
	PushType      PushType
	ApnsID        string // canonical UUID string; empty means server-assigned
}

// NewPushNotification validates fields and returns a ready-to-submit
// PushNotification.
func NewPushNotification(deviceToken, topic string, payload []byte) (*PushNotification, error) {
	n := &PushNotification{DeviceToken: deviceToken, Topic: topic, Payload: payload}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Validate checks the invariants spec'd for PushNotification: token
// shape, non-empty topic, payload size, priority enumeration, and
// apns-id UUID well-formedness.
func (n *PushNotification) Validate() error {
	if len(n.DeviceToken) < 32 || len(n.DeviceToken) > 100 || !isLowerHex(n.DeviceToken) {
		return &ValidationError{Field: "device_token", Reason: "must be 32-100 lowercase hex characters"}
	}
	if n.Topic == "" || !isASCII(n.Topic) {
		return &ValidationError{Field: "topic", Reason: "must be non-empty ASCII"}
	}

	limit := MaxPayloadBytes
	if n.PushType == PushTypeVOIP {
		limit = MaxVoIPPayloadBytes
	}
	if len(n.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	if len(n.Payload) > limit {
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("exceeds %d bytes", limit)}
	}

	if n.Priority != 0 && n.Priority != 5 && n.Priority != 10 {
		return &ValidationError{Field: "priority", Reason: "must be 5 or 10 if present"}
	}

	if n.ApnsID != "" {
		parsed, err := uuid.Parse(n.ApnsID)
		if err != nil {
			return &ValidationError{Field: "apns_id", Reason: "must be a canonical UUID"}
		}
		n.ApnsID = parsed.String()
	}

	return nil
}

// Clone returns a deep-enough copy safe to mutate independently — used
// by SubmitAll to give each recipient its own copy before setting its
// DeviceToken.
func (n *PushNotification) Clone() *PushNotification {
	clone := *n
	clone.Payload = append([]byte(nil), n.Payload...)
	return &clone
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r > 127 }) == -1
}
