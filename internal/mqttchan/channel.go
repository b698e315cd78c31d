// Package mqttchan 实现基于 MQTT 的实时频道
//
// 每个订阅主体一个命名频道：{prefix}/{subject}/live_data 与
// {prefix}/{subject}/live_data_batch。作为实时传输管理器的主通道。
package mqttchan

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"vitals-live/internal/config"
)

const connectTimeout = 10 * time.Second

// Channel MQTT 实时频道
type Channel struct {
	cfg    *config.Config
	logger *zap.Logger

	mu        sync.Mutex
	client    mqtt.Client
	subjectID string
}

func NewChannel(cfg *config.Config, logger *zap.Logger) *Channel {
	return &Channel{
		cfg:    cfg,
		logger: logger,
	}
}

// Open 连接 broker 并绑定主体频道
func (c *Channel) Open(ctx context.Context, subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.client.IsConnected() {
		c.subjectID = subjectID
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.MQTT.Broker)
	opts.SetClientID(c.cfg.MQTT.ClientID)
	if c.cfg.MQTT.Username != "" {
		opts.SetUsername(c.cfg.MQTT.Username)
	}
	if c.cfg.MQTT.Password != "" {
		opts.SetPassword(c.cfg.MQTT.Password)
	}
	// 重连由传输管理器统一负责，关闭 paho 自动重连避免双重策略
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.client = client
	c.subjectID = subjectID
	c.logger.Info("MQTT channel opened",
		zap.String("broker", c.cfg.MQTT.Broker),
		zap.String("subject_id", subjectID),
	)
	return nil
}

// Publish 发布批量封包到主体频道
func (c *Channel) Publish(_ context.Context, payload []byte) error {
	c.mu.Lock()
	client := c.client
	topic := c.batchTopic()
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("mqtt channel not connected")
	}

	token := client.Publish(topic, c.cfg.MQTT.QoS, false, payload)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt publish timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe 订阅主体频道的入站消息（live_data 与 live_data_batch）
func (c *Channel) Subscribe(handler func(payload []byte)) error {
	c.mu.Lock()
	client := c.client
	filter := c.subjectTopicFilter()
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("mqtt channel not connected")
	}

	token := client.Subscribe(filter, c.cfg.MQTT.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt subscribe timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	return nil
}

// Close 断开连接（幂等）
func (c *Channel) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250) // 250ms 等待在途消息
	}
	return nil
}

func (c *Channel) batchTopic() string {
	return fmt.Sprintf("%s/%s/live_data_batch", c.cfg.MQTT.TopicPrefix, c.subjectID)
}

func (c *Channel) subjectTopicFilter() string {
	return fmt.Sprintf("%s/%s/+", c.cfg.MQTT.TopicPrefix, c.subjectID)
}
