package egress

import (
	"errors"
	"fmt"

	"github.com/dreamware/shardflow/internal/dataflow"
)

var (
	// ErrUnboundTag matches any *RoutingError.
	ErrUnboundTag = errors.New("egress: replay tag not bound to a target")
	// ErrPrecondition marks calls made in a state the caller promised to avoid.
	ErrPrecondition = errors.New("egress: precondition violated")
)

// RoutingError reports a replay packet whose path is unknown to this egress.
// It signals inconsistent replay-path bookkeeping and is never retried.
type RoutingError struct {
	Tag dataflow.Tag
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("egress: told about replay message on tag %d, but not on that replay path", e.Tag)
}

func (e *RoutingError) Is(target error) bool {
	return target == ErrUnboundTag
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPrecondition}, args...)...)
}
