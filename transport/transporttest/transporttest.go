// Package transporttest holds fakes shared by the transport driver tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a field-backed transport.Config.
type Config struct {
	QueueSystem        string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
	AWSEndpoint        string
	VisibilityTimeout  time.Duration
}

func (c *Config) GetQueueSystem() string              { return c.QueueSystem }
func (c *Config) GetKafkaBrokers() []string           { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string       { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string              { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string                  { return c.NATSURL }
func (c *Config) GetAWSRegion() string                { return c.AWSRegion }
func (c *Config) GetAWSAccessKeyID() string           { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string       { return c.AWSSecretAccessKey }
func (c *Config) GetAWSSessionToken() string          { return c.AWSSessionToken }
func (c *Config) GetAWSEndpoint() string              { return c.AWSEndpoint }
func (c *Config) GetVisibilityTimeout() time.Duration { return c.VisibilityTimeout }

// Publisher records published messages.
type Publisher struct {
	mu        sync.Mutex
	Published map[string][]*message.Message
	Closed    bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Published == nil {
		p.Published = make(map[string][]*message.Message)
	}
	p.Published[topic] = append(p.Published[topic], messages...)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Subscriber returns a closed channel for every topic.
type Subscriber struct {
	Closed bool
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *Subscriber) Close() error {
	s.Closed = true
	return nil
}
