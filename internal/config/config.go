package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Dispatch struct {
		Concurrency      int `yaml:"concurrency"`
		PendingCapacity  int `yaml:"pendingCapacity"`
		ProcessTimeoutMS int `yaml:"processTimeoutMS"`
	} `yaml:"dispatch"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "reqroute_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "reqroute.log"
	c.Dispatch.Concurrency = 8
	c.Dispatch.PendingCapacity = 256
	c.Dispatch.ProcessTimeoutMS = 3000
	return c
}

// Load 从 YAML 文件加载配置，缺失字段回落默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
