package config

import (
	"context"
	"strings"

	"github.com/ceyewan/meshcall/clog"
)

// Config 加载器自身的配置
type Config struct {
	Name      string   // 配置文件名（不含扩展名），默认 "config"
	Paths     []string // 搜索路径，默认 [".", "./configs"]
	FileType  string   // yaml|json|toml，默认 yaml
	EnvPrefix string   // 环境变量前缀，默认 MESHCALL
}

func (c *Config) validate() {
	if c.Name == "" {
		c.Name = "config"
	}
	if c.Paths == nil {
		c.Paths = []string{".", "./configs"}
	}
	if c.FileType == "" {
		c.FileType = "yaml"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "MESHCALL"
	}
	c.EnvPrefix = strings.ToUpper(c.EnvPrefix)
}

// Option 加载器选项
type Option func(*loader)

// WithLogger 注入日志
func WithLogger(l clog.Logger) Option {
	return func(ld *loader) {
		if l != nil {
			ld.logger = l.WithNamespace("config")
		}
	}
}

// New 创建配置加载器，cfg 为 nil 时使用默认值。
func New(cfg *Config, opts ...Option) (Loader, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.validate()
	return newLoader(cfg, opts...), nil
}

// MustLoad 创建并加载配置，失败时 panic。
func MustLoad(cfg *Config, opts ...Option) Loader {
	l, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	if err := l.Load(context.Background()); err != nil {
		panic(err)
	}
	return l
}
