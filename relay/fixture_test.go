// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"strings"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nostrwire/relaycore/database/query"
	"github.com/nostrwire/relaycore/model"
)

type (
	sentEvent struct {
		SubscriptionID string
		Event          *model.Event
	}

	senderMock struct {
		mx     sync.Mutex
		events []sentEvent
		eose   []string
	}
)

func (s *senderMock) SendEvent(subscriptionID string, event *model.Event) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.events = append(s.events, sentEvent{SubscriptionID: subscriptionID, Event: event})

	return nil
}

func (s *senderMock) SendEOSE(subscriptionID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.eose = append(s.eose, subscriptionID)

	return nil
}

func (s *senderMock) Events() []sentEvent {
	s.mx.Lock()
	defer s.mx.Unlock()

	return append([]sentEvent(nil), s.events...)
}

func (s *senderMock) EOSE() []string {
	s.mx.Lock()
	defer s.mx.Unlock()

	return append([]string(nil), s.eose...)
}

func helperStorage(t *testing.T) *query.Client {
	t.Helper()

	client := query.MustConnect(":memory:")
	t.Cleanup(func() { client.Close() })

	return client
}

func helperSignEvent(t *testing.T, privateKey string, kind model.Kind, createdAt model.Timestamp, tags model.Tags, content string) *model.Event {
	t.Helper()

	var ev model.Event
	ev.Kind = kind
	ev.CreatedAt = createdAt
	ev.Tags = tags
	ev.Content = content
	require.NoError(t, ev.Sign(privateKey))

	return &ev
}

func helperTextNote(t *testing.T, privateKey, content string) *model.Event {
	t.Helper()

	return helperSignEvent(t, privateKey, nostr.KindTextNote, nostr.Now(), model.Tags{}, content)
}

func helperPaddedContent(n int) string {
	return strings.Repeat("a", n)
}

func helperRelay(id string) *model.Relay {
	return &model.Relay{
		ID:     id,
		Name:   "test relay " + id,
		Active: true,
		Config: model.RelayConfig{},
	}
}
