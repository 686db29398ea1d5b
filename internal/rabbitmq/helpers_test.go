package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

func amqpMessage(id string) amqp.Publishing {
	return amqp.Publishing{
		ContentType: "application/json",
		MessageId:   id,
		Body:        []byte(`{"id":"` + id + `"}`),
	}
}
