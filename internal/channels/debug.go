package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"golang.org/x/oauth2/google"
)

// FCMDebugCurl returns a DebugCurl hook bound to service account credentials.
func FCMDebugCurl(credJSON, projectID string) func(ctx context.Context, message *messaging.Message) string {
	if credJSON == "" || projectID == "" {
		return nil
	}
	return func(ctx context.Context, message *messaging.Message) string {
		return GenerateDebugCurl(ctx, credJSON, projectID, message)
	}
}

// GenerateDebugCurl creates a curl command that replays an FCM v1 send, so a
// failed native push can be reproduced by hand.
func GenerateDebugCurl(ctx context.Context, credJSON string, projectID string, message *messaging.Message) string {
	creds, err := google.CredentialsFromJSON(
		ctx,
		[]byte(credJSON),
		"https://www.googleapis.com/auth/firebase.messaging",
	)
	if err != nil {
		return fmt.Sprintf("# ERROR: Failed to parse credentials: %v", err)
	}

	token, err := creds.TokenSource.Token()
	if err != nil {
		return fmt.Sprintf("# ERROR: Failed to get OAuth token: %v", err)
	}

	body := map[string]interface{}{
		"token": message.Token,
		"data":  message.Data,
	}
	if message.Notification != nil {
		body["notification"] = map[string]interface{}{
			"title": message.Notification.Title,
			"body":  message.Notification.Body,
		}
	}
	if message.Android != nil {
		body["android"] = map[string]interface{}{"priority": message.Android.Priority}
	}
	if message.APNS != nil {
		body["apns"] = map[string]interface{}{"headers": message.APNS.Headers}
	}

	payloadJSON, err := json.Marshal(map[string]interface{}{"message": body})
	if err != nil {
		return fmt.Sprintf("# ERROR: Failed to marshal payload: %v", err)
	}

	return fmt.Sprintf(`curl -X POST \
  'https://fcm.googleapis.com/v1/projects/%s/messages:send' \
  -H 'Authorization: Bearer %s' \
  -H 'Content-Type: application/json' \
  -d '%s'`,
		projectID,
		token.AccessToken,
		strings.ReplaceAll(string(payloadJSON), "'", "\\'"))
}
