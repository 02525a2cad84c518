package methods

import "github.com/ceyewan/meshcall/xerrors"

var (
	ErrFrozen     = xerrors.New("methods: registry is frozen")
	ErrNilService = xerrors.New("methods: service is nil")
)
