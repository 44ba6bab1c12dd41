package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology groups declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, nil); err != nil {
				return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue %s to exchange %s: %w", b.Queue, b.Exchange, err)
			}
		}
		return nil
	})
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}

// InboxTopology returns the declarations for a node inbox: a direct
// exchange shared by all nodes and one queue per node bound by its name.
func InboxTopology(exchange, queue string, durable bool) Topology {
	q := QueueDeclaration{Name: queue, Durable: durable, AutoDelete: !durable}
	return Topology{
		Exchanges: []ExchangeDeclaration{{Name: exchange, Type: amqp.ExchangeDirect, Durable: true}},
		Queues:    []QueueDeclaration{q},
		Bindings:  []Binding{{Queue: queue, Exchange: exchange, RoutingKey: queue}},
	}
}
