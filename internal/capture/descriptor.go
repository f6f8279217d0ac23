package capture

import (
	"errors"
	"fmt"

	"github.com/phrazzld/consistency/internal/domain"
)

// ErrInvalidDescriptor is returned when a Descriptor cannot identify an
// operation.
var ErrInvalidDescriptor = errors.New("invalid task descriptor")

// Descriptor describes how calls to one operation become task instances.
// Zero values select the defaults: scheduled, asynchronous, the configured
// retry interval and the default alert expression.
type Descriptor struct {
	// ID is the logical task id. Defaults to the method signature.
	ID string
	// Type and Method name the operation in its signature.
	Type   string
	Method string
	// ParamTypes overrides the parameter type names in the signature.
	ParamTypes []string

	PerformanceWay     domain.PerformanceWay
	ThreadWay          domain.ThreadWay
	ExecuteIntervalSec int
	DelayTime          int

	AlertExpression string
	AlertActionName string
	FallbackName    string
}

// Signature returns the registry key of the operation.
func (d Descriptor) Signature() string {
	return domain.MethodSignature(d.Type, d.Method, d.ParamTypes)
}

func (d Descriptor) normalize(paramTypes []string, defaultIntervalSec int) (Descriptor, error) {
	if d.Type == "" || d.Method == "" {
		return d, fmt.Errorf("%w: type and method are required", ErrInvalidDescriptor)
	}
	if len(d.ParamTypes) == 0 {
		d.ParamTypes = paramTypes
	} else if len(d.ParamTypes) != len(paramTypes) {
		return d, fmt.Errorf("%w: %d parameter types for %d parameters",
			ErrInvalidDescriptor, len(d.ParamTypes), len(paramTypes))
	}
	if d.PerformanceWay == 0 {
		d.PerformanceWay = domain.PerformanceSchedule
	}
	if d.ThreadWay == 0 {
		d.ThreadWay = domain.ThreadWayAsync
	}
	if d.ExecuteIntervalSec <= 0 {
		d.ExecuteIntervalSec = defaultIntervalSec
	}
	if d.DelayTime < 0 {
		return d, fmt.Errorf("%w: %v", ErrInvalidDescriptor, domain.ErrNegativeDelay)
	}
	if d.ID == "" {
		d.ID = d.Signature()
	}
	return d, nil
}
