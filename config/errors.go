package config

import "github.com/ceyewan/idemgate/xerrors"

// 配置模块错误定义
var (
	// ErrInvalidConfig 配置参数非法
	ErrInvalidConfig = xerrors.New("config: invalid configuration")
)
