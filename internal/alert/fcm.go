package alert

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// MessageSender is the part of the FCM client the notifier uses
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// NewMessagingClient builds an FCM client from a service account file. An empty path
// uses the application default credentials.
func NewMessagingClient(ctx context.Context, credentialsPath string) (*messaging.Client, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}
	return client, nil
}

// FCMNotifier delivers notifications as Firebase Cloud Messaging pushes to one device
// token. A device without a token has not granted notifications.
type FCMNotifier struct {
	sender MessageSender
	token  string
}

// NewFCMNotifier creates a notifier for the device registered under token
func NewFCMNotifier(sender MessageSender, token string) *FCMNotifier {
	return &FCMNotifier{sender: sender, token: token}
}

// Permission is granted when the device registered a push token
func (n *FCMNotifier) Permission(ctx context.Context) (Permission, error) {
	if n.token == "" {
		return PermissionDenied, nil
	}
	return PermissionGranted, nil
}

// RequestPermission cannot prompt remotely; it reports the current state
func (n *FCMNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	return n.Permission(ctx)
}

// Show sends a high-priority push collapsed under the notification tag
func (n *FCMNotifier) Show(ctx context.Context, notif Notification) error {
	if n.token == "" {
		return errors.New("no push token registered")
	}

	message := &messaging.Message{
		Token: n.token,
		Notification: &messaging.Notification{
			Title: notif.Title,
			Body:  notif.Body,
		},
		Data: map[string]string{
			"type":                "arrival",
			"alert_id":            notif.ID,
			"session_id":          notif.SessionID,
			"require_interaction": fmt.Sprintf("%t", notif.RequireInteraction),
		},
		Android: &messaging.AndroidConfig{
			Priority:    "high",
			CollapseKey: notif.Tag,
			Notification: &messaging.AndroidNotification{
				Sound:  "default",
				Tag:    notif.Tag,
				Sticky: notif.RequireInteraction,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-collapse-id": notif.Tag},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound: "default",
				},
			},
		},
	}

	if _, err := n.sender.Send(ctx, message); err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	return nil
}

// Dismiss sends a data message asking the app to clear the notification
func (n *FCMNotifier) Dismiss(ctx context.Context, id string) error {
	if n.token == "" {
		return nil
	}
	message := &messaging.Message{
		Token: n.token,
		Data: map[string]string{
			"type":     "dismiss",
			"alert_id": id,
		},
		Android: &messaging.AndroidConfig{Priority: "normal"},
	}
	if _, err := n.sender.Send(ctx, message); err != nil {
		return fmt.Errorf("failed to send dismiss message: %w", err)
	}
	return nil
}
