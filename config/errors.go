package config

import "github.com/ceyewan/meshcall/xerrors"

var (
	// ErrValidationFailed 配置为空或校验失败
	ErrValidationFailed = xerrors.New("configuration validation failed")
	// ErrNotLoaded 在 Load 之前调用 Watch
	ErrNotLoaded = xerrors.New("configuration not loaded")
)
