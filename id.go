package courier

import "github.com/google/uuid"

// IDGenerator produces message ids.
// Implementations must be safe for concurrent use.
type IDGenerator interface {
	NextID() string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() string

// NextID calls f.
func (f IDGeneratorFunc) NextID() string {
	return f()
}

// DefaultIDGenerator returns random UUIDs.
var DefaultIDGenerator IDGenerator = IDGeneratorFunc(uuid.NewString)

// Compile-time check
var _ IDGenerator = IDGeneratorFunc(nil)
