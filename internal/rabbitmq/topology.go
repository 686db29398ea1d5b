package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxPriority is the x-max-priority declared on session queues
const MaxPriority = 9

// SessionTopology describes the exchange, queue and binding one client
// session consumes from.
type SessionTopology struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Declare creates the session topology. Declarations are idempotent.
func (t SessionTopology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: t.Exchange, Err: err}
	}
	args := amqp.Table{"x-max-priority": int32(MaxPriority)}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return &TopologyError{Component: "queue", Name: t.Queue, Err: err}
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: t.Queue + "->" + t.Exchange, Err: err}
	}
	return nil
}

// DeclareWith opens a channel on cm, declares the topology and closes it
func (t SessionTopology) DeclareWith(cm *ConnectionManager) error {
	ch, err := cm.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return t.Declare(ch)
}
