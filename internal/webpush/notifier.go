package webpush

import (
	"context"
	"encoding/json"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/collab/internal/logger"
	"github.com/collab/internal/storage"
)

// Subscription is the browser-side push subscription as posted by the
// service worker.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Notifier pushes message notifications to every registered subscription
// of a user. A nil Notifier (push not configured) is a no-op.
type Notifier struct {
	store storage.Store
	opts  *webpush.Options
}

// New builds a Notifier signing with keys. Returns nil when keys is nil,
// which disables sending while subscriptions keep being saved.
func New(store storage.Store, keys *VAPIDKeys) *Notifier {
	if keys == nil || keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil
	}
	return &Notifier{
		store: store,
		opts: &webpush.Options{
			Subscriber:      "collab-relay",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		},
	}
}

// Notify sends a notification to every subscription of user. Gone
// endpoints (404/410) are dropped from the store. Errors are logged, not
// returned: push is best effort.
func (n *Notifier) Notify(ctx context.Context, user, title, body string) {
	if n == nil {
		return
	}
	subs, err := n.store.Subscriptions(ctx, user)
	if err != nil {
		logger.Errorf("webpush: subscriptions user=%s: %v", user, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]string{"title": title, "body": body})
	for _, raw := range subs {
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil || sub.Endpoint == "" {
			continue
		}
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.opts)
		if err != nil {
			logger.Errorf("webpush: send user=%s: %v", user, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			if err := n.store.RemoveSubscription(ctx, user, raw); err != nil {
				logger.Errorf("webpush: drop gone subscription user=%s: %v", user, err)
			}
		}
	}
}
