package engine

import "errors"

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrRepoNotOpen is returned when a repo id is not in the registry
	ErrRepoNotOpen = errors.New("repo is not open")
	// ErrRepoAlreadyOpen is returned when opening or creating a repo that is already open
	ErrRepoAlreadyOpen = errors.New("repo is already open")
)
