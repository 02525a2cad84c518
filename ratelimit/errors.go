package ratelimit

import "github.com/ceyewan/meshcall/xerrors"

var (
	ErrKeyEmpty     = xerrors.New("ratelimit: key is empty")
	ErrInvalidLimit = xerrors.New("ratelimit: invalid limit")
	ErrClosed       = xerrors.New("ratelimit: limiter closed")
)
