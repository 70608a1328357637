// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nostrwire/relaycore/model"
)

func helperEngine(t *testing.T, cfg *model.RelayConfig) *Engine {
	t.Helper()

	relay := helperRelay("engine-test")
	relay.Config = *cfg

	return NewEngine(relay, helperStorage(t), nil)
}

func helperEventMessage(t *testing.T, event *model.Event) []byte {
	t.Helper()

	envelope := nostr.EventEnvelope{Event: event.Event}
	data, err := envelope.MarshalJSON()
	require.NoError(t, err)

	return data
}

func helperReqMessage(t *testing.T, subscriptionID string, filters model.Filters) []byte {
	t.Helper()

	envelope := model.ReqEnvelope{SubscriptionID: subscriptionID, Filters: filters}
	data, err := envelope.MarshalJSON()
	require.NoError(t, err)

	return data
}

func TestEngineHandleMessage(t *testing.T) {
	t.Parallel()

	t.Run("Event", func(t *testing.T) {
		t.Parallel()
		engine := helperEngine(t, model.DefaultRelayConfig())
		sender := new(senderMock)

		event := helperTextNote(t, nostr.GeneratePrivateKey(), "over the wire")
		outcome, err := engine.HandleMessage(context.Background(), sender, helperEventMessage(t, event))
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, outcome)

		stored, err := engine.store.HasEvent(context.Background(), engine.relay.ID, event.ID)
		require.NoError(t, err)
		require.True(t, stored)
	})
	t.Run("ReqReplaysStoredThenEOSE", func(t *testing.T) {
		t.Parallel()
		engine := helperEngine(t, model.DefaultRelayConfig())
		publisher, subscriber := new(senderMock), new(senderMock)
		privateKey := nostr.GeneratePrivateKey()

		first := helperSignEvent(t, privateKey, nostr.KindTextNote, nostr.Now()-2, model.Tags{}, "first")
		second := helperSignEvent(t, privateKey, nostr.KindTextNote, nostr.Now()-1, model.Tags{}, "second")
		for _, event := range []*model.Event{first, second} {
			outcome, err := engine.HandleEvent(context.Background(), publisher, event)
			require.NoError(t, err)
			require.Equal(t, OutcomeAccepted, outcome)
		}

		message := helperReqMessage(t, "replay", model.Filters{{Authors: []string{first.PubKey}}})
		outcome, err := engine.HandleMessage(context.Background(), subscriber, message)
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, outcome)

		require.Len(t, subscriber.Events(), 2)
		require.Equal(t, []string{"replay"}, subscriber.EOSE())

		live := helperSignEvent(t, privateKey, nostr.KindTextNote, nostr.Now(), model.Tags{}, "live")
		outcome, err = engine.HandleEvent(context.Background(), publisher, live)
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, outcome)
		events := subscriber.Events()
		require.Len(t, events, 3, "live matches keep flowing after EOSE")
		require.Equal(t, live.ID, events[2].Event.ID)
	})
	t.Run("ReqWithEmptyStoreSendsEOSEOnly", func(t *testing.T) {
		t.Parallel()
		engine := helperEngine(t, model.DefaultRelayConfig())
		subscriber := new(senderMock)

		outcome, err := engine.HandleMessage(context.Background(), subscriber, helperReqMessage(t, "empty", model.Filters{{}}))
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, outcome)
		require.Empty(t, subscriber.Events())
		require.Equal(t, []string{"empty"}, subscriber.EOSE())
	})
	t.Run("CloseStopsDelivery", func(t *testing.T) {
		t.Parallel()
		engine := helperEngine(t, model.DefaultRelayConfig())
		publisher, subscriber := new(senderMock), new(senderMock)

		_, err := engine.HandleMessage(context.Background(), subscriber, helperReqMessage(t, "watch", model.Filters{{}}))
		require.NoError(t, err)

		closeEnvelope := nostr.CloseEnvelope("watch")
		data, err := closeEnvelope.MarshalJSON()
		require.NoError(t, err)
		outcome, err := engine.HandleMessage(context.Background(), subscriber, data)
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, outcome)

		_, err = engine.HandleEvent(context.Background(), publisher, helperTextNote(t, nostr.GeneratePrivateKey(), "unseen"))
		require.NoError(t, err)
		require.Empty(t, subscriber.Events())
	})
	t.Run("TooManyFiltersRejectsReq", func(t *testing.T) {
		t.Parallel()
		cfg := model.DefaultRelayConfig()
		cfg.MaxClientFilters = 1
		engine := helperEngine(t, cfg)
		subscriber := new(senderMock)

		outcome, err := engine.HandleMessage(context.Background(), subscriber, helperReqMessage(t, "greedy", model.Filters{{}, {}}))
		require.ErrorIs(t, err, ErrTooManyFilters)
		require.Equal(t, OutcomeRejected, outcome)
	})
	t.Run("UnknownMessage", func(t *testing.T) {
		t.Parallel()
		engine := helperEngine(t, model.DefaultRelayConfig())

		outcome, err := engine.HandleMessage(context.Background(), new(senderMock), []byte(`["AUTH","challenge"]`))
		require.ErrorIs(t, err, model.ErrUnknownMessage)
		require.Equal(t, OutcomeRejected, outcome)
	})
	t.Run("MalformedMessage", func(t *testing.T) {
		t.Parallel()
		engine := helperEngine(t, model.DefaultRelayConfig())

		outcome, err := engine.HandleMessage(context.Background(), new(senderMock), []byte(`["EVENT",{broken`))
		require.Error(t, err)
		require.Equal(t, OutcomeRejected, outcome)
	})
}

func TestEngineIngestRateLimit(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultRelayConfig()
	cfg.MaxEventsPerSecond = 1
	engine := helperEngine(t, cfg)
	now := time.Unix(1_700_000_000, 0)
	engine.now = func() time.Time { return now }
	publisher := new(senderMock)
	privateKey := nostr.GeneratePrivateKey()

	outcome, err := engine.HandleEvent(context.Background(), publisher, helperTextNote(t, privateKey, "one"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	outcome, err = engine.HandleEvent(context.Background(), publisher, helperTextNote(t, privateKey, "two"))
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, OutcomeRejected, outcome)

	now = now.Add(time.Second)
	outcome, err = engine.HandleEvent(context.Background(), publisher, helperTextNote(t, privateKey, "three"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)
}

func TestEngineDisconnect(t *testing.T) {
	t.Parallel()

	engine := helperEngine(t, model.DefaultRelayConfig())
	publisher, subscriber := new(senderMock), new(senderMock)

	require.NoError(t, engine.HandleReq(context.Background(), subscriber, "watch", model.Filters{{}}))
	require.Equal(t, 1, engine.Registry().SubscriptionCount(subscriber))

	engine.Disconnect(subscriber)
	require.Zero(t, engine.Registry().SubscriptionCount(subscriber))

	_, err := engine.HandleEvent(context.Background(), publisher, helperTextNote(t, nostr.GeneratePrivateKey(), "gone"))
	require.NoError(t, err)
	require.Equal(t, []string{"watch"}, subscriber.EOSE())
	require.Empty(t, subscriber.Events())
}

func TestEngineShutdown(t *testing.T) {
	t.Parallel()

	engine := helperEngine(t, model.DefaultRelayConfig())
	first, second := new(senderMock), new(senderMock)
	require.NoError(t, engine.HandleReq(context.Background(), first, "a", model.Filters{{}}))
	require.NoError(t, engine.HandleReq(context.Background(), second, "b", model.Filters{{}}))

	engine.Shutdown()
	require.Zero(t, engine.Registry().SubscriptionCount(first))
	require.Zero(t, engine.Registry().SubscriptionCount(second))
}

func TestAckMessage(t *testing.T) {
	t.Parallel()

	require.JSONEq(t, `["OK","abc",true,""]`, AckMessage("abc", OutcomeAccepted, nil))
	require.JSONEq(t, `["OK","abc",true,""]`, AckMessage("abc", OutcomeDuplicate, nil))
	require.JSONEq(t, `["OK","abc",false,"relay storage quota exceeded"]`, AckMessage("abc", OutcomeRejected, ErrQuotaExceeded))
}

func TestEngineInfo(t *testing.T) {
	t.Parallel()

	cfg := model.DefaultRelayConfig()
	cfg.MaxClientFilters = 7
	engine := helperEngine(t, cfg)

	info := engine.Info()
	require.Equal(t, "test relay engine-test", info.Name)
	require.NotNil(t, info.Limitation)
	require.Equal(t, 7, info.Limitation.MaxFilters)
	require.Contains(t, info.SupportedNIPs, 1)
}
