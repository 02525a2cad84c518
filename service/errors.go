package service

import "github.com/ceyewan/meshcall/xerrors"

var (
	ErrEmptyID            = xerrors.New("service: endpoint id is empty")
	ErrDuplicateQualifier = xerrors.New("service: duplicate qualifier")
	ErrInvalidQualifier   = xerrors.New("service: invalid qualifier")
	ErrInvalidPattern     = xerrors.New("service: invalid invocation pattern")
	ErrHandlerMismatch    = xerrors.New("service: handler does not match pattern")
)
