// Package config builds broker client configuration from ordered sources.
//
// Keys use the broker's dotted names ("group.id", "bootstrap.servers").
// A builder looks every known key up through its naming conventions, in
// order, and keeps the first value found. Values set explicitly on the
// builder win over every source. Missing required keys fail Build with a
// *Error naming the attempted keys.
//
// Example:
//
//	src, err := config.DotEnv(".env")
//	if err != nil {
//	    return err
//	}
//	cfg, err := config.NewConsumerBuilder().
//	    WithSource(config.Chain(config.Env(), src)).
//	    WithEnvironmentStyle("BILLING", "DEFAULT").
//	    WithGroupID("billing").
//	    Build()
//
// With the "BILLING" prefix, "bootstrap.servers" is looked up as
// BILLING_BOOTSTRAP_SERVERS, then DEFAULT_BOOTSTRAP_SERVERS.
package config

import (
	"maps"
	"os"

	"github.com/joho/godotenv"
)

// Source provides raw configuration values.
type Source interface {
	// Lookup returns the value for key and whether it was present.
	Lookup(key string) (string, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(key string) (string, bool)

// Lookup calls f.
func (f SourceFunc) Lookup(key string) (string, bool) {
	return f(key)
}

// Env returns a source reading the process environment.
func Env() Source {
	return SourceFunc(os.LookupEnv)
}

// Map returns a source backed by a copy of values.
func Map(values map[string]string) Source {
	m := maps.Clone(values)
	return SourceFunc(func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	})
}

// DotEnv reads dotenv files into a source without touching the process
// environment. Later files override earlier ones. Without paths it reads
// ".env".
func DotEnv(paths ...string) (Source, error) {
	values, err := godotenv.Read(paths...)
	if err != nil {
		return nil, err
	}
	return Map(values), nil
}

// Chain returns a source consulting sources in order.
func Chain(sources ...Source) Source {
	return SourceFunc(func(key string) (string, bool) {
		for _, s := range sources {
			if s == nil {
				continue
			}
			if v, ok := s.Lookup(key); ok {
				return v, true
			}
		}
		return "", false
	})
}

// nullSource never has a value
var nullSource = SourceFunc(func(string) (string, bool) { return "", false })
