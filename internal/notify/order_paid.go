package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OrderPaidHandler превращает событие order.paid в письмо покупателю.
// Ошибка отправки возвращается вызывающему (outbox или consumer повторят), заказ не трогается.
type OrderPaidHandler struct {
	sender Sender
	logger *log.Entry
}

var _ domain.OutboxPublisher = (*OrderPaidHandler)(nil)

// NewOrderPaidHandler создаёт обработчик.
func NewOrderPaidHandler(sender Sender, logger *log.Entry) *OrderPaidHandler {
	if logger == nil {
		logger = log.WithField("component", "order-paid-notifier")
	}
	return &OrderPaidHandler{sender: sender, logger: logger}
}

// Publish позволяет outbox worker доставлять события прямо в notifier, без Kafka.
func (h *OrderPaidHandler) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	return h.Handle(ctx, msg.EventType, msg.Payload)
}

// Handle обрабатывает одно событие; чужие типы пропускаются.
func (h *OrderPaidHandler) Handle(ctx context.Context, eventType string, payload []byte) error {
	if eventType != domain.EventTypeOrderPaid {
		return nil
	}

	var event domain.OrderPaidPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return errors.Wrap(err, "decode order.paid payload")
	}
	if event.CustomerEmail == "" {
		h.logger.WithField("order_id", event.OrderID).Warn("order.paid without customer email, skipping notification")
		return nil
	}

	if err := h.sender.Send(ctx, ConfirmationMessage(event)); err != nil {
		return errors.Wrapf(err, "send confirmation for order %s", event.OrderID)
	}
	h.logger.WithField("order_id", event.OrderID).Debug("order confirmation sent")
	return nil
}

// ConfirmationMessage собирает текст подтверждения заказа.
func ConfirmationMessage(event domain.OrderPaidPayload) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your order %s.\n\n", event.OrderID)
	for _, item := range event.Items {
		fmt.Fprintf(&b, "%d x %s  %s %s\n", item.Quantity, item.Name, formatMinor(item.LineTotalMinor), event.Currency)
	}
	fmt.Fprintf(&b, "\nTotal: %s %s\n", formatMinor(event.AmountMinor), event.Currency)

	addr := event.ShippingAddress
	if addr.Line1 != "" {
		b.WriteString("\nShipping to:\n")
		for _, line := range []string{addr.Name, addr.Line1, addr.Line2, strings.TrimSpace(addr.PostalCode + " " + addr.City), addr.Country} {
			if line != "" {
				b.WriteString(line + "\n")
			}
		}
	}

	return Message{
		To:      event.CustomerEmail,
		Subject: "Order confirmation " + event.OrderID,
		Body:    b.String(),
	}
}

func formatMinor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
