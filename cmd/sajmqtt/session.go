package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tamzrod/saj-mqtt-bridge/internal/client"
	"github.com/tamzrod/saj-mqtt-bridge/internal/config"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport/mqtt"
)

// loadConfig reads, validates and normalizes the config file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	config.Normalize(cfg)
	return cfg, nil
}

func brokerConfig(cfg *config.Config, clientID string) mqtt.Config {
	return mqtt.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       clientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		KeepAlive:      time.Duration(cfg.MQTT.KeepAliveMs) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeoutMs) * time.Millisecond,
	}
}

// withClient runs fn with a started register client on its own broker
// session, so one-shot commands do not take over the daemon's client id.
func withClient(g *globalFlags, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}

	id := fmt.Sprintf("%s-cli-%d", cfg.MQTT.ClientID, os.Getpid())
	conn, err := mqtt.Connect(brokerConfig(cfg, id))
	if err != nil {
		return err
	}
	defer conn.Close()

	c, err := client.New(conn, client.Config{
		SerialNumber: cfg.Inverter.SerialNumber,
		TopicPrefix:  cfg.Inverter.TopicPrefix,
		QoS:          cfg.MQTT.QoS,
		Timeout:      time.Duration(cfg.Inverter.TimeoutMs) * time.Millisecond,
		Debug:        cfg.Inverter.MQTTDebug || g.debug,
	})
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	defer c.Close()

	return fn(context.Background(), c)
}
