package registry

import "github.com/ceyewan/meshcall/xerrors"

var (
	// ErrInvalidEndpoint 端点未通过校验
	ErrInvalidEndpoint = xerrors.New("registry: invalid endpoint")
	// ErrLocalRegistered 已注册了另一个本地端点
	ErrLocalRegistered = xerrors.New("registry: local endpoint already registered")
)
