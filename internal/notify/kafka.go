package notify

import (
	"context"

	"log/slog"

	"github.com/spotcore/spotcore/internal/engine"
	"github.com/spotcore/spotcore/internal/kafka"
)

// KafkaNotifier publishes per-user trade notifications to the trades.matched
// topic. Event ids are derived from trade and user so a redelivered
// notification keeps its identity.
type KafkaNotifier struct {
	publisher kafka.Publisher
	topic     string
	logger    *slog.Logger
}

func NewKafkaNotifier(publisher kafka.Publisher, topic string, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaNotifier{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

func (n *KafkaNotifier) NotifyTrade(ctx context.Context, notification engine.Notification) error {
	eventID := kafka.DeterministicEventID(n.topic, notification.TradeID.String(), notification.UserID.String())
	envelope := kafka.NewEnvelopeWithID(eventID, n.topic, notification)

	_, _, err := n.publisher.PublishJSON(ctx, n.topic, notification.UserID.String(), envelope)
	if err != nil {
		return err
	}
	n.logger.Debug("trade notification published",
		"topic", n.topic,
		"trade_id", notification.TradeID.String(),
		"user_id", notification.UserID.String(),
	)
	return nil
}
