package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/courier/config"
)

// ErrUnsupportedMechanism is returned for SASL mechanisms sarama cannot use.
var ErrUnsupportedMechanism = errors.New("kafka: unsupported sasl mechanism")

// NewConfig translates a built courier configuration into a sarama config.
//
// Offsets are always committed explicitly by the subscriber, so sarama's
// auto-commit is disabled regardless of enable.auto.commit, which controls
// whether the courier consumer commits after each handled record.
func NewConfig(cfg *config.Configuration) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = false
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRoundRobin(),
	}

	if v, ok := cfg.Get(config.KeyClientID); ok && v != "" {
		sc.ClientID = v
	}

	if v, ok := cfg.Get(config.KeyBrokerVersionFallback); ok && v != "" {
		version, err := sarama.ParseKafkaVersion(v)
		if err != nil {
			return nil, fmt.Errorf("kafka: %s: %w", config.KeyBrokerVersionFallback, err)
		}
		sc.Version = version
	}

	if v, ok := cfg.Get(config.KeyAPIVersionFallbackMs); ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("kafka: %s: %w", config.KeyAPIVersionFallbackMs, err)
		}
		sc.Metadata.Retry.Backoff = time.Duration(ms) * time.Millisecond
	}

	protocol, _ := cfg.Get(config.KeySecurityProtocol)
	protocol = strings.ToUpper(protocol)

	if protocol == "SSL" || protocol == "SASL_SSL" {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if path, ok := cfg.Get(config.KeySSLCALocation); ok && path != "" {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("kafka: %s: %w", config.KeySSLCALocation, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("kafka: %s: no certificates found in %s", config.KeySSLCALocation, path)
			}
			tlsConfig.RootCAs = pool
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConfig
	}

	if protocol == "SASL_PLAINTEXT" || protocol == "SASL_SSL" {
		user, _ := cfg.Get(config.KeySASLUsername)
		password, _ := cfg.Get(config.KeySASLPassword)
		mechanism, _ := cfg.Get(config.KeySASLMechanisms)

		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = user
		sc.Net.SASL.Password = password
		switch strings.ToUpper(mechanism) {
		case "", sarama.SASLTypePlaintext:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mechanism)
		}
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid configuration: %w", err)
	}
	return sc, nil
}

// NewClient creates a sarama client for the configured bootstrap servers.
func NewClient(cfg *config.Configuration) (sarama.Client, error) {
	sc, err := NewConfig(cfg)
	if err != nil {
		return nil, err
	}
	return sarama.NewClient(cfg.BootstrapServers(), sc)
}
