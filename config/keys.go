package config

// Configuration keys understood by the broker clients.
const (
	KeyGroupID               = "group.id"
	KeyEnableAutoCommit      = "enable.auto.commit"
	KeyBootstrapServers      = "bootstrap.servers"
	KeyBrokerVersionFallback = "broker.version.fallback"
	KeyAPIVersionFallbackMs  = "api.version.fallback.ms"
	KeySSLCALocation         = "ssl.ca.location"
	KeySASLUsername          = "sasl.username"
	KeySASLPassword          = "sasl.password"
	KeySASLMechanisms        = "sasl.mechanisms"
	KeySecurityProtocol      = "security.protocol"
	KeyClientID              = "client.id"
)

var producerDefaultKeys = []string{
	KeyBootstrapServers,
	KeyBrokerVersionFallback,
	KeyAPIVersionFallbackMs,
	KeySSLCALocation,
	KeySASLUsername,
	KeySASLPassword,
	KeySASLMechanisms,
	KeySecurityProtocol,
	KeyClientID,
}

var producerRequiredKeys = []string{
	KeyBootstrapServers,
}

var consumerDefaultKeys = []string{
	KeyGroupID,
	KeyEnableAutoCommit,
	KeyBootstrapServers,
	KeyBrokerVersionFallback,
	KeyAPIVersionFallbackMs,
	KeySSLCALocation,
	KeySASLUsername,
	KeySASLPassword,
	KeySASLMechanisms,
	KeySecurityProtocol,
	KeyClientID,
}

var consumerRequiredKeys = []string{
	KeyGroupID,
	KeyBootstrapServers,
}
