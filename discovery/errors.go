package discovery

import "github.com/ceyewan/meshcall/xerrors"

var (
	ErrAlreadyStarted   = xerrors.New("discovery: already started")
	ErrNotStarted       = xerrors.New("discovery: not started")
	ErrClosed           = xerrors.New("discovery: shut down")
	ErrMetadataVersion  = xerrors.New("discovery: unsupported metadata version")
	ErrMetadataMismatch = xerrors.New("discovery: endpoint id does not match local id")
)
