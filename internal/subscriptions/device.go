package subscriptions

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// subscriptionNamespace seeds the deterministic subscription ids.
var subscriptionNamespace = uuid.MustParse("6f1c1e8a-3a7e-4f55-9d55-2f0b3c6a8e41")

// DeriveDeviceID returns a stable device id computed from the endpoint alone.
// It is only a fallback for clients that do not send their own device id; the
// same endpoint always yields the same id.
func DeriveDeviceID(e Endpoint) string {
	doc := EncodeEndpoint(e)

	h := sha256.New()
	h.Write([]byte(e.Channel()))
	for _, part := range []string{doc.URL, doc.P256dh, doc.Auth, doc.Token, e.Key()} {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}

	return "derived-" + hex.EncodeToString(h.Sum(nil)[:16])
}

// SubscriptionID returns the id of the single record for (userID, deviceID).
func SubscriptionID(userID, deviceID string) string {
	return uuid.NewSHA1(subscriptionNamespace, []byte(userID+"\x00"+deviceID)).String()
}
