package distributed

import "github.com/pkg/errors"

var (
	// ErrUnknownContext marks an operation on a pass id this worker does
	// not hold, usually because the pass was already released.
	ErrUnknownContext = errors.New("unknown autograd pass context")

	// ErrIDExhausted marks exhaustion of a worker's 48-bit increment
	// space. Wrapping around would reuse ids, so this is fatal and never
	// masked.
	ErrIDExhausted = errors.New("id increment space exhausted")
)
