package transport

import (
	"errors"

	"github.com/agentfusion/internal/types"
)

// toRPCError maps domain errors onto the wire error table
func toRPCError(err error) *types.RPCError {
	switch {
	case types.IsInvalidArgument(err):
		return &types.RPCError{Code: types.CodeInvalidArgs, Message: err.Error()}
	case errors.Is(err, types.ErrNotFound):
		return &types.RPCError{Code: types.CodeTaskNotFound, Message: err.Error()}
	case errors.Is(err, types.ErrConflictingState):
		return &types.RPCError{Code: types.CodeConflictingState, Message: err.Error(),
			Data: map[string]interface{}{"retryAfterMs": 250}}
	case errors.Is(err, types.ErrNoEligibleAgent):
		return &types.RPCError{Code: types.CodeNoEligibleAgent, Message: err.Error()}
	case errors.Is(err, types.ErrBusy):
		return &types.RPCError{Code: types.CodeBusy, Message: err.Error(),
			Data: map[string]interface{}{"retryAfterMs": 1000}}
	case errors.Is(err, types.ErrUnauthorized):
		return &types.RPCError{Code: types.CodeUnauthorized, Message: err.Error()}
	default:
		return &types.RPCError{Code: types.CodeInternal, Message: err.Error()}
	}
}
