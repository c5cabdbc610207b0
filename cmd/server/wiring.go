package main

import (
	"log/slog"
	"time"

	"esimcheckout/cmd/server/config"
	"esimcheckout/internal/checkout"
	"esimcheckout/internal/esimgo"
	"esimcheckout/internal/messaging"
)

// sessionTTL resolves the configured TTL, defaulting by environment.
func sessionTTL(cfg config.Config) time.Duration {
	if cfg.Checkout.SessionTTL > 0 {
		return cfg.Checkout.SessionTTL
	}
	if cfg.App.Production() {
		return checkout.ProductionSessionTTL
	}
	return checkout.DevelopmentSessionTTL
}

// buildProvisioner returns the eSIM Go client when an API key is set, nil
// otherwise so the builder installs its development stand-in.
func buildProvisioner(cfg config.ESIMGoConfig, logger *slog.Logger) (checkout.Provisioner, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	client, err := esimgo.NewClient(esimgo.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}, nil)
	if err != nil {
		return nil, err
	}
	logger.Info("esimgo provisioning enabled", "base_url", cfg.BaseURL)
	return client, nil
}

// buildPublisher fans session events out to Kafka, when brokers are set,
// and to the websocket feed.
func buildPublisher(cfg config.KafkaConfig, feed checkout.Broadcaster, logger *slog.Logger) (*checkout.FanoutPublisher, func()) {
	if len(cfg.Brokers) == 0 {
		return checkout.NewFanoutPublisher(feed), func() {}
	}
	producer := messaging.NewProducer(cfg.Brokers, cfg.SessionTopic)
	logger.Info("kafka session events enabled", "topic", cfg.SessionTopic, "brokers", cfg.Brokers)
	cleanup := func() {
		if err := producer.Close(); err != nil {
			logger.Warn("close kafka producer", "error", err)
		}
	}
	return checkout.NewFanoutPublisher(feed, producer), cleanup
}
