// Package firebase bootstraps the Firebase app shared by the subscription
// store, the contact directory and FCM.
package firebase

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Client wraps Firebase services
type Client struct {
	app       *firebase.App
	firestore *firestore.Client
}

// NewClient creates a Firebase app with Firestore access. Without credJSON
// the application default credentials are used.
func NewClient(ctx context.Context, projectID, credJSON string) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}

	var opts []option.ClientOption
	if credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	// Create Firebase config with project ID
	config := &firebase.Config{
		ProjectID: projectID,
	}

	app, err := firebase.NewApp(ctx, config, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	firestoreClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firestore client: %w", err)
	}

	return &Client{
		app:       app,
		firestore: firestoreClient,
	}, nil
}

// Firestore returns the Firestore client.
func (c *Client) Firestore() *firestore.Client {
	return c.firestore
}

// Messaging returns an FCM client.
func (c *Client) Messaging(ctx context.Context) (*messaging.Client, error) {
	client, err := c.app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Messaging client: %w", err)
	}
	return client, nil
}

// Close closes the Firestore client
func (c *Client) Close() error {
	if c.firestore != nil {
		return c.firestore.Close()
	}
	return nil
}
