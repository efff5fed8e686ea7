package main

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// KafkaPublisher escribe los mismos eventos en un topic de Kafka.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// clave = id de usuario: los eventos de un usuario quedan en orden
func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return err
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []kafka.Header{{Key: "type", Value: []byte(ev.Type)}}
	for key, v := range carrier {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	msg := kafka.Message{
		Key:     []byte(eventKey(ev)),
		Value:   body,
		Headers: headers,
		Time:    ev.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "kafka publish %s", ev.Type)
	}
	return nil
}

func (k *KafkaPublisher) Close() error { return k.writer.Close() }

func eventKey(ev Event) string {
	switch p := ev.Payload.(type) {
	case CartBookReservedPayload:
		return strconv.FormatInt(p.UserID, 10)
	case CartLineRemovedPayload:
		return strconv.FormatInt(p.UserID, 10)
	case CartClearedPayload:
		return strconv.FormatInt(p.UserID, 10)
	case OrderPayload:
		return strconv.FormatInt(p.UserID, 10)
	case UserCreated:
		return strconv.FormatInt(p.UserID, 10)
	case UserUpdated:
		return strconv.FormatInt(p.UserID, 10)
	case RestockedPayload:
		return "book-" + strconv.FormatInt(p.Stock.BookID, 10)
	}
	return ev.ID
}
