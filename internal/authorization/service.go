package authorization

import (
	"context"
	"errors"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

const (
	RoleOperator = "operator"
	RoleUser     = "user"
)

// Actor is the caller as asserted by the gateway.
type Actor struct {
	Role   string
	UserID int64
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}
