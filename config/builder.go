package config

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Configuration is a built set of broker client settings.
type Configuration struct {
	values map[string]string
}

// Get returns the value for key.
func (c *Configuration) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Values returns a copy of all settings.
func (c *Configuration) Values() map[string]string {
	return maps.Clone(c.values)
}

// GroupID returns group.id.
func (c *Configuration) GroupID() string {
	return c.values[KeyGroupID]
}

// BootstrapServers returns the comma separated bootstrap.servers list.
func (c *Configuration) BootstrapServers() []string {
	var servers []string
	for _, s := range strings.Split(c.values[KeyBootstrapServers], ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

// EnableAutoCommit returns enable.auto.commit, true when unset or invalid.
func (c *Configuration) EnableAutoCommit() bool {
	v, ok := c.values[KeyEnableAutoCommit]
	if !ok {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// builder holds the state shared by producer and consumer builders
type builder struct {
	source      Source
	conventions []NamingConvention
	explicit    map[string]string
	defaults    []string
	required    []string
	logger      *slog.Logger
}

func newBuilder(defaults, required []string) builder {
	return builder{
		source:   nullSource,
		explicit: make(map[string]string),
		defaults: defaults,
		required: required,
		logger:   slog.Default().With("component", "config"),
	}
}

func (b *builder) environmentStyle(prefix string, additional []string) {
	b.conventions = append(b.conventions, EnvironmentStyle(prefix))
	for _, p := range additional {
		b.conventions = append(b.conventions, EnvironmentStyle(p))
	}
}

func (b *builder) attempted(key string) []string {
	keys := make([]string, 0, len(b.conventions))
	for _, n := range b.conventions {
		keys = append(keys, n.Key(key))
	}
	return keys
}

func (b *builder) lookup(key string) (string, bool) {
	b.logger.Debug("looking up configuration key", "key", key, "attempted", b.attempted(key))
	for _, n := range b.conventions {
		if v, ok := b.source.Lookup(n.Key(key)); ok {
			return v, true
		}
	}
	return "", false
}

func (b *builder) build() (*Configuration, error) {
	if len(b.conventions) == 0 {
		b.conventions = []NamingConvention{Default}
	}

	values := maps.Clone(b.explicit)
	for _, key := range slices.Concat(b.defaults, b.required) {
		if _, ok := values[key]; ok {
			continue
		}
		if v, ok := b.lookup(key); ok {
			values[key] = v
		}
	}

	var errs []error
	for _, key := range b.required {
		if values[key] == "" {
			errs = append(errs, &Error{Key: key, Attempted: b.attempted(key)})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Configuration{values: values}, nil
}

// ProducerBuilder builds producer configuration.
// bootstrap.servers is required.
type ProducerBuilder struct {
	b builder
}

// NewProducerBuilder creates a producer configuration builder.
func NewProducerBuilder() *ProducerBuilder {
	return &ProducerBuilder{b: newBuilder(producerDefaultKeys, producerRequiredKeys)}
}

// WithSource sets the configuration source.
func (p *ProducerBuilder) WithSource(s Source) *ProducerBuilder {
	if s != nil {
		p.b.source = s
	}
	return p
}

// WithNamingConvention adds a naming convention. Conventions are tried in
// the order they were added. Without any, Default is used.
func (p *ProducerBuilder) WithNamingConvention(n NamingConvention) *ProducerBuilder {
	p.b.conventions = append(p.b.conventions, n)
	return p
}

// WithEnvironmentStyle adds EnvironmentStyle conventions for prefix and
// each additional prefix, in order.
func (p *ProducerBuilder) WithEnvironmentStyle(prefix string, additional ...string) *ProducerBuilder {
	p.b.environmentStyle(prefix, additional)
	return p
}

// WithConfiguration sets a value that overrides every source.
func (p *ProducerBuilder) WithConfiguration(key, value string) *ProducerBuilder {
	p.b.explicit[key] = value
	return p
}

// WithBootstrapServers sets bootstrap.servers.
func (p *ProducerBuilder) WithBootstrapServers(servers string) *ProducerBuilder {
	return p.WithConfiguration(KeyBootstrapServers, servers)
}

// WithLogger sets a custom logger.
func (p *ProducerBuilder) WithLogger(l *slog.Logger) *ProducerBuilder {
	if l != nil {
		p.b.logger = l
	}
	return p
}

// Build resolves all keys and validates required ones.
func (p *ProducerBuilder) Build() (*Configuration, error) {
	return p.b.build()
}

// ConsumerBuilder builds consumer configuration.
// group.id and bootstrap.servers are required.
type ConsumerBuilder struct {
	b builder
}

// NewConsumerBuilder creates a consumer configuration builder.
func NewConsumerBuilder() *ConsumerBuilder {
	return &ConsumerBuilder{b: newBuilder(consumerDefaultKeys, consumerRequiredKeys)}
}

// WithSource sets the configuration source.
func (c *ConsumerBuilder) WithSource(s Source) *ConsumerBuilder {
	if s != nil {
		c.b.source = s
	}
	return c
}

// WithNamingConvention adds a naming convention.
func (c *ConsumerBuilder) WithNamingConvention(n NamingConvention) *ConsumerBuilder {
	c.b.conventions = append(c.b.conventions, n)
	return c
}

// WithEnvironmentStyle adds EnvironmentStyle conventions for prefix and
// each additional prefix, in order.
func (c *ConsumerBuilder) WithEnvironmentStyle(prefix string, additional ...string) *ConsumerBuilder {
	c.b.environmentStyle(prefix, additional)
	return c
}

// WithConfiguration sets a value that overrides every source.
func (c *ConsumerBuilder) WithConfiguration(key, value string) *ConsumerBuilder {
	c.b.explicit[key] = value
	return c
}

// WithGroupID sets group.id.
func (c *ConsumerBuilder) WithGroupID(groupID string) *ConsumerBuilder {
	return c.WithConfiguration(KeyGroupID, groupID)
}

// WithBootstrapServers sets bootstrap.servers.
func (c *ConsumerBuilder) WithBootstrapServers(servers string) *ConsumerBuilder {
	return c.WithConfiguration(KeyBootstrapServers, servers)
}

// WithAutoCommit sets enable.auto.commit.
func (c *ConsumerBuilder) WithAutoCommit(v bool) *ConsumerBuilder {
	return c.WithConfiguration(KeyEnableAutoCommit, strconv.FormatBool(v))
}

// WithLogger sets a custom logger.
func (c *ConsumerBuilder) WithLogger(l *slog.Logger) *ConsumerBuilder {
	if l != nil {
		c.b.logger = l
	}
	return c
}

// Build resolves all keys and validates required ones.
func (c *ConsumerBuilder) Build() (*Configuration, error) {
	return c.b.build()
}
