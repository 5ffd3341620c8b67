// Package terminal публикует уведомления рабочим местам регистрации через MQTT.
package terminal

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTPublisher шлёт сообщения терминалам без гарантий доставки: печать чеков
// и команды операторам не должны блокировать платёжный поток.
type MQTTPublisher struct {
	client mqtt.Client
	logger *zap.Logger
}

// NewMQTTPublisher подключается к брокеру и возвращает издатель. Соединение
// восстанавливается клиентом автоматически.
func NewMQTTPublisher(brokerURL, clientID string, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout to %s", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &MQTTPublisher{
		client: client,
		logger: logger,
	}, nil
}

// Publish сериализует сообщение и публикует его в указанный топик. Ошибки
// логируются и не возвращаются.
func (p *MQTTPublisher) Publish(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("encode mqtt payload", zap.Error(err), zap.String("topic", topic))
		return
	}

	token := p.client.Publish(topic, 1, false, body)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.logger.Error("publish mqtt message", zap.Error(token.Error()), zap.String("topic", topic))
		}
	}()
}

// Close завершает соединение с брокером.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
