package domainset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/akaitux/transparent-vpn/log"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// syncChannelName is the pub/sub channel replicas use to relay additions to their included and excluded tiers
const syncChannelName = "trsp:domainset:sync"

type syncMessageType string

const (
	messageTypeImported syncMessageType = "imported"
	messageTypeExcluded syncMessageType = "excluded"
)

type syncMessage struct {
	ClientID string          `json:"clientId"`
	Type     syncMessageType `json:"type"`
	Domain   string          `json:"domain"`
}

// Sync republishes AddBlockedDomain/AddExcludedDomain calls to every other
// replica subscribed to the same Redis instance, so a domain blocked on one
// node is blocked on all of them without waiting for their own feed refresh.
type Sync struct {
	set      *Set
	client   *redis.Client
	clientID string
}

// NewSync connects to addr and starts relaying domain-set changes. Returns
// nil, nil if addr is empty - distributed sync is optional.
func NewSync(ctx context.Context, set *Set, addr, password string, db int) (*Sync, error) {
	if addr == "" {
		return nil, nil //nolint:nilnil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("domainset: redis ping: %w", err)
	}

	s := &Sync{
		set:      set,
		client:   client,
		clientID: uuid.NewString(),
	}

	set.onBlocked = func(domain string) { s.PublishBlocked(ctx, domain) }
	set.onExcluded = func(domain string) { s.PublishExcluded(ctx, domain) }

	go s.listen(ctx)

	return s, nil
}

func (s *Sync) logger() *logrus.Entry {
	return log.PrefixedLog("domainset-sync")
}

// PublishBlocked notifies other replicas that domain was added to the included tier
func (s *Sync) PublishBlocked(ctx context.Context, domain string) {
	s.publish(ctx, syncMessage{ClientID: s.clientID, Type: messageTypeImported, Domain: domain})
}

// PublishExcluded notifies other replicas that domain was added to the excluded tier
func (s *Sync) PublishExcluded(ctx context.Context, domain string) {
	s.publish(ctx, syncMessage{ClientID: s.clientID, Type: messageTypeExcluded, Domain: domain})
}

func (s *Sync) publish(ctx context.Context, msg syncMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger().WithError(err).Error("failed to marshal sync message")

		return
	}

	if err := s.client.Publish(ctx, syncChannelName, payload).Err(); err != nil {
		s.logger().WithError(err).Error("failed to publish sync message")
	}
}

func (s *Sync) listen(ctx context.Context) {
	sub := s.client.Subscribe(ctx, syncChannelName)
	defer sub.Close()

	ch := sub.Channel()

	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}

			s.handle(m.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sync) handle(payload string) {
	var msg syncMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.logger().WithError(err).Error("failed to unmarshal sync message")

		return
	}

	if msg.ClientID == s.clientID {
		return
	}

	switch msg.Type {
	case messageTypeImported:
		s.set.included.add(msg.Domain)
	case messageTypeExcluded:
		s.set.excluded.add(msg.Domain)
	}
}
