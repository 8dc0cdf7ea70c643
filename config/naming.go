package config

import "strings"

// NamingConvention maps a configuration key to the name used by a source.
type NamingConvention struct {
	name string
	fn   func(key string) string
}

// NewNamingConvention creates a custom convention.
func NewNamingConvention(name string, fn func(key string) string) NamingConvention {
	return NamingConvention{name: name, fn: fn}
}

// Key returns the source name of key.
func (n NamingConvention) Key(key string) string {
	if n.fn == nil {
		return key
	}
	return n.fn(key)
}

// String returns the convention name.
func (n NamingConvention) String() string {
	return n.name
}

// Default looks keys up unchanged.
var Default = NamingConvention{name: "default", fn: func(key string) string { return key }}

// EnvironmentStyle upper-cases keys, replaces dots with underscores and
// prepends prefix followed by an underscore:
//
//	EnvironmentStyle("BILLING").Key("group.id") == "BILLING_GROUP_ID"
//	EnvironmentStyle("").Key("group.id")        == "GROUP_ID"
func EnvironmentStyle(prefix string) NamingConvention {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	return NamingConvention{
		name: "environment(" + prefix + ")",
		fn: func(key string) string {
			k := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if prefix == "" {
				return k
			}
			return prefix + "_" + k
		},
	}
}
