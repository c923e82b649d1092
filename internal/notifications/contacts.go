package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/eternisai/notify-relay/internal/cascade"
	"github.com/eternisai/notify-relay/internal/logger"
)

// DefaultContactsCollection holds user profiles keyed by user id.
const DefaultContactsCollection = "users"

// FirestoreContacts reads profile email and phone numbers from Firestore.
type FirestoreContacts struct {
	firestoreClient *firestore.Client
	collection      string
	logger          *logger.Logger
}

// NewFirestoreContacts creates a contact directory over collection.
func NewFirestoreContacts(firestoreClient *firestore.Client, collection string, logger *logger.Logger) *FirestoreContacts {
	if collection == "" {
		collection = DefaultContactsCollection
	}
	return &FirestoreContacts{
		firestoreClient: firestoreClient,
		collection:      collection,
		logger:          logger.WithComponent("contact-directory"),
	}
}

// Lookup returns the profile contact of userID. Profiles are stored at
// /users/{user_id} with structure:
//
//	{
//	  email: "player@example.com",
//	  phoneNumber: "+8613800000000",
//	  notificationPreferences: {email: true, sms: false}
//	}
//
// A missing profile yields an empty contact. A channel turned off in
// notificationPreferences is left empty.
func (c *FirestoreContacts) Lookup(ctx context.Context, userID string) (cascade.Contact, error) {
	if c.firestoreClient == nil {
		return cascade.Contact{}, status.Error(codes.Internal, "firestore client is nil")
	}

	doc, err := c.firestoreClient.Collection(c.collection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			c.logger.WithContext(ctx).Debug("no profile document for user",
				slog.String("user_id", userID))
			return cascade.Contact{}, nil
		}
		return cascade.Contact{}, fmt.Errorf("failed to fetch profile: %w", err)
	}

	return contactFromData(doc.Data()), nil
}

// contactFromData extracts contact fields from a profile document.
func contactFromData(data map[string]interface{}) cascade.Contact {
	var contact cascade.Contact

	if email, ok := data["email"].(string); ok {
		contact.Email = strings.TrimSpace(email)
	}
	for _, field := range []string{"phoneNumber", "phone"} {
		if phone, ok := data[field].(string); ok && strings.TrimSpace(phone) != "" {
			contact.Phone = strings.TrimSpace(phone)
			break
		}
	}

	prefs, ok := data["notificationPreferences"].(map[string]interface{})
	if !ok {
		return contact
	}
	if enabled, ok := prefs["email"].(bool); ok && !enabled {
		contact.Email = ""
	}
	if enabled, ok := prefs["sms"].(bool); ok && !enabled {
		contact.Phone = ""
	}
	return contact
}
