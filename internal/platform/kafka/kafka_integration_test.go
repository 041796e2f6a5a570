//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/internal/platform/config"
	"dunning/internal/platform/logger"
	"dunning/pkg/domain"
	"dunning/pkg/testutil/containers"
)

func TestStreamPublisherRoundTrip(t *testing.T) {
	broker := containers.GetManager().GetRedpanda(t).Broker
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.KafkaConfig{Brokers: []string{broker}, EventsTopic: "dunning-test-events", Partitions: 1, Replicas: 1}
	client, err := New(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, EnsureTopic(ctx, client, cfg, logger.Discard()))
	require.NoError(t, EnsureTopic(ctx, client, cfg, logger.Discard()), "second call is a no-op")

	inv := &models.Invoice{ID: domain.NewInvoiceID(), Stage: models.StageReminder1Sent}
	evt := events.NewTransition(inv, models.StageActive, models.StageReminder1Sent, time.Now(), nil)
	require.NoError(t, events.NewStreamPublisher(client, cfg.EventsTopic).Handle(ctx, evt))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(cfg.EventsTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.Empty(t, fetches.Errors())
	var got []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) { got = append(got, r) })
	require.Len(t, got, 1)
	require.Equal(t, inv.ID.String(), string(got[0].Key))
}
