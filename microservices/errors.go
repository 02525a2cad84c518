package microservices

import "github.com/ceyewan/meshcall/xerrors"

var (
	// ErrNoTransport 没有配置传输层
	ErrNoTransport = xerrors.New("microservices: transport is required")
	// ErrDuplicateGateway 网关名称重复
	ErrDuplicateGateway = xerrors.New("microservices: duplicate gateway name")
	// ErrGatewayNotFound 没有该名称的网关
	ErrGatewayNotFound = xerrors.New("microservices: gateway not found")
	// ErrAlreadyStarted Builder 只能启动一次
	ErrAlreadyStarted = xerrors.New("microservices: already started")
)
