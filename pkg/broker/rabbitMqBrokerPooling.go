package broker

import (
	"errors"
	"fmt"
	"log"

	"github.com/streadway/amqp"
)

var errBrokerClosed = errors.New("rabbitmq broker is closed")

// amqpConnection is the part of *amqp.Connection the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
	IsClosed() bool
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

// amqpChannel is the part of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

type amqpConnectionAdapter struct {
	*amqp.Connection
}

func (a amqpConnectionAdapter) Channel() (amqpChannel, error) {
	ch, err := a.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var dialAMQP = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnectionAdapter{conn}, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func newPooledChannel(conn amqpConnection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (r *rabbitMqBroker) newConnection() (amqpConnection, error) {
	conn, err := dialAMQP(r.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()

	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errBrokerClosed
	}

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	// Establish a new connection
	connection, err := r.newConnection()
	if err != nil {
		return err
	}
	r.connection = connection

	// Channels from the previous connection are unusable
	r.drainPool()

	// Declare the exchange
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	if err := declareExchange(channel, r.settings.Exchange); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.settings.Exchange, err)
	}

	// Reinitialize the channel pool
	for i := 0; i < r.settings.PoolSize; i++ {
		pooled, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pooled
	}

	log.Println("RabbitMQ connection, exchange, and channel pool initialized")
	return nil
}

// drainPool closes every idle channel. Callers hold r.mu.
func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pooledChan := <-r.channelPool:
			pooledChan.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) connectionLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && (r.connection == nil || r.connection.IsClosed())
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connectionLost() {
				log.Println("Attempting to reconnect to RabbitMQ...")
				if err := r.connectAndInitialize(); err != nil {
					log.Printf("Failed to reconnect to RabbitMQ: %v", err)
				} else {
					log.Println("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			log.Println("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errBrokerClosed
	}

	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				log.Printf("Discarding closed channel: %v", err)
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			if r.connection == nil || r.connection.IsClosed() {
				return nil, errors.New("rabbitmq connection is not available")
			}
			return newPooledChannel(r.connection)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		log.Printf("Discarding closed channel: %v", err)
		return
	default:
	}

	if r.closed {
		pooledChan.channel.Close()
		return
	}

	// Channel is valid, return it to the pool
	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full, close the channel
		log.Println("Closing channel as pool is full")
		pooledChan.channel.Close()
	}
}
