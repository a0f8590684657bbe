package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collab/internal/storage"
)

// History keeps the last historyCap messages per conversation; unread
// hashes and subscription sets live until explicitly cleared.
const (
	historyCap = 500
	historyTTL = 30 * 24 * time.Hour
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SaveContact(ctx context.Context, contact storage.Contact) error {
	data, err := json.Marshal(contact)
	if err != nil {
		return err
	}
	return c.cli.HSet(ctx, "contacts", contact.ID, data).Err()
}

func (c *Client) Contacts(ctx context.Context) ([]storage.Contact, error) {
	vals, err := c.cli.HGetAll(ctx, "contacts").Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.Contact, 0, len(vals))
	for _, raw := range vals {
		var contact storage.Contact
		if err := json.Unmarshal([]byte(raw), &contact); err != nil {
			return nil, fmt.Errorf("redis contact decode: %w", err)
		}
		out = append(out, contact)
	}
	return out, nil
}

// AppendMessage pushes to the tail of history:{pair} and trims the list to
// the last historyCap entries.
func (c *Client) AppendMessage(ctx context.Context, m storage.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := "history:" + storage.PairKey(m.Sender, m.Recipient)
	pipe := c.cli.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -historyCap, -1)
	pipe.Expire(ctx, key, historyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) History(ctx context.Context, user, peer string) ([]storage.Message, error) {
	key := "history:" + storage.PairKey(user, peer)
	vals, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.Message, 0, len(vals))
	for _, raw := range vals {
		var m storage.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("redis message decode: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) IncrUnread(ctx context.Context, user, from string) error {
	return c.cli.HIncrBy(ctx, "unread:"+user, from, 1).Err()
}

func (c *Client) UnreadCounts(ctx context.Context, user string) (map[string]int, error) {
	vals, err := c.cli.HGetAll(ctx, "unread:"+user).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(vals))
	for k, v := range vals {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func (c *Client) ResetUnread(ctx context.Context, user, peer string) error {
	return c.cli.HDel(ctx, "unread:"+user, peer).Err()
}

func (c *Client) SaveSubscription(ctx context.Context, user string, sub []byte) error {
	return c.cli.SAdd(ctx, "push_subs:"+user, sub).Err()
}

func (c *Client) Subscriptions(ctx context.Context, user string) ([][]byte, error) {
	vals, err := c.cli.SMembers(ctx, "push_subs:"+user).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *Client) RemoveSubscription(ctx context.Context, user string, sub []byte) error {
	return c.cli.SRem(ctx, "push_subs:"+user, sub).Err()
}

// FlushDB clears the current Redis DB (tests and full resets).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
