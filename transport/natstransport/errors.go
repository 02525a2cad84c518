package natstransport

import "github.com/ceyewan/meshcall/xerrors"

var (
	ErrConfig         = xerrors.New("natstransport: invalid config")
	ErrNotConnected   = xerrors.New("natstransport: nats not connected")
	ErrInvalidSubject = xerrors.New("natstransport: invalid subject")
)
