package operations

import (
	"context"
	"fmt"

	"github.com/nlstn/go-contentrepo/internal/content"
)

// InvocationError wraps a fault raised by the invocation machinery itself
// (a recovered panic). Domain errors returned by handlers propagate
// unwrapped; the error classifier unwraps this type before classification.
type InvocationError struct {
	Operation string
	Inner     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoking operation '%s': %v", e.Operation, e.Inner)
}

func (e *InvocationError) Unwrap() error { return e.Inner }

type invokeResult struct {
	value interface{}
	err   error
}

// Invoke executes the bound operation against the target content. Async
// operations run on their own goroutine; a canceled request context abandons
// the wait and returns ctx.Err() without touching the eventual result.
func (cc *CallingContext) Invoke(ctx context.Context, target *content.Content) (interface{}, error) {
	op := cc.Operation
	if !op.Async {
		return cc.call(ctx, target)
	}

	results := make(chan invokeResult, 1)
	go func() {
		value, err := cc.call(ctx, target)
		results <- invokeResult{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		return res.value, res.err
	}
}

func (cc *CallingContext) call(ctx context.Context, target *content.Content) (value interface{}, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			inner, ok := recovered.(error)
			if !ok {
				inner = fmt.Errorf("%v", recovered)
			}
			err = &InvocationError{Operation: cc.Operation.Name, Inner: inner}
		}
	}()
	return cc.Operation.Handler(ctx, target, cc.Parameters)
}
