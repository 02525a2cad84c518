package grpctransport

import "github.com/ceyewan/meshcall/xerrors"

var ErrConfig = xerrors.New("grpctransport: invalid config")
