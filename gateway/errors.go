package gateway

import "github.com/ceyewan/meshcall/xerrors"

var (
	// ErrAlreadyStarted 网关已启动
	ErrAlreadyStarted = xerrors.New("gateway: already started")
	// ErrStopped 网关已停止，不能再次启动
	ErrStopped = xerrors.New("gateway: stopped")
	// ErrConfig 网关配置无效
	ErrConfig = xerrors.New("gateway: invalid config")
)
