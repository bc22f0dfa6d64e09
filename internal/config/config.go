package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	APKDir   string         `mapstructure:"apk_dir"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// ScanConfig 版本扫描配置
// 零值字段使用引擎内置默认值
type ScanConfig struct {
	DeepScanByteCeilingMB      int     `mapstructure:"deep_scan_byte_ceiling_mb"`    // 深度扫描总读取上限 (MB)
	PrimaryConfidenceThreshold float64 `mapstructure:"primary_confidence_threshold"` // 主扫描短路阈值
	IncludeDiagnostics         bool    `mapstructure:"include_diagnostics"`          // 结果中附带诊断信息
	MaxEntryReadMB             int     `mapstructure:"max_entry_read_mb"`            // 单条目读取上限 (MB)
	DeepScanEntryLimit         int     `mapstructure:"deep_scan_entry_limit"`        // 深度扫描条目数上限
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 目录监控配置
type WatcherConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	DebounceSeconds int  `mapstructure:"debounce_seconds"` // 防抖时间(秒)
	ScanExisting    bool `mapstructure:"scan_existing"`    // 启动时处理已存在的文件
}

// AuthConfig API 认证配置
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 为空时仅输出到标准输出
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	viper.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	// RabbitMQ
	viper.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	viper.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	viper.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	viper.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	viper.BindEnv("database.host", "MYSQL_HOST")
	viper.BindEnv("database.port", "MYSQL_PORT")
	viper.BindEnv("database.user", "MYSQL_USER")
	viper.BindEnv("database.password", "MYSQL_PASS")
	viper.BindEnv("database.db_name", "MYSQL_DB")

	// 目录
	viper.BindEnv("apk_dir", "APK_DIR")
	viper.BindEnv("auth.token", "API_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
