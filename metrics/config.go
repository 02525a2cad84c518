package metrics

// Config 指标配置
//
//	metrics:
//	  enabled: true
//	  service_name: "meshnode"
//	  port: 9090
//	  path: "/metrics"
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Version     string `mapstructure:"version" yaml:"version"`
	// Port 大于 0 时启动独立的 Prometheus HTTP 服务器；为 0 时可通过 Handler() 挂到网关上
	Port int    `mapstructure:"port" yaml:"port"`
	Path string `mapstructure:"path" yaml:"path"`
}

func (c *Config) setDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "meshcall"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}
