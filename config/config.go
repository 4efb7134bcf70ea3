package config

import (
	"encoding/json"
	"log"
	"os"
)

type Config struct {
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Auth     AuthConfig     `json:"auth"`
	Session  SessionConfig  `json:"session"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type KafkaConfig struct {
	Brokers           []string `json:"brokers"`
	NotificationTopic string   `json:"notification_topic"`
	Username          string   `json:"username"`
	Password          string   `json:"password"`
	SCRAMMechanism    string   `json:"scram_mechanism"` // SCRAM-SHA-256 / SCRAM-SHA-512，留空则用 PLAIN
	UseTLS            bool     `json:"use_tls"`
	CertFile          string   `json:"cert_file"`
	KeyFile           string   `json:"key_file"`
	CAFile            string   `json:"ca_file"`
}

type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret"`
	TokenExpiry   int    `json:"token_expiry"`   // in hours
	RefreshExpiry int    `json:"refresh_expiry"` // in hours
}

// 会话策略常量，全部可配置
type SessionConfig struct {
	JoinGraceMinutes     int `json:"join_grace_minutes"`     // 迟到取消的宽限期
	WarningLeadMinutes   int `json:"warning_lead_minutes"`   // 结束前多少分钟发送提醒
	DeleteUndoSeconds    int `json:"delete_undo_seconds"`    // 删除撤销窗口
	ReadUndoSeconds      int `json:"read_undo_seconds"`      // 全部已读撤销窗口
	RecallWindowMinutes  int `json:"recall_window_minutes"`  // 消息撤回窗口
	SchedulerTickSeconds int `json:"scheduler_tick_seconds"` // 调度器轮询间隔
}

func LoadConfig() (config Config, err error) {
	file, err := os.Open("config/config.json")
	if err != nil {
		return config, err
	}
	defer func(file *os.File) {
		closeErr := file.Close()
		if closeErr != nil {
			log.Printf("Error closing config file: %v", closeErr)
		}
	}(file)
	decoder := json.NewDecoder(file)
	err = decoder.Decode(&config)
	if err != nil {
		return config, err
	}
	config.Session.ApplyDefaults()
	return config, nil
}

// ApplyDefaults 未配置的策略项使用默认值
func (c *SessionConfig) ApplyDefaults() {
	if c.JoinGraceMinutes <= 0 {
		c.JoinGraceMinutes = 10
	}
	if c.WarningLeadMinutes <= 0 {
		c.WarningLeadMinutes = 5
	}
	if c.DeleteUndoSeconds <= 0 {
		c.DeleteUndoSeconds = 30
	}
	if c.ReadUndoSeconds <= 0 {
		c.ReadUndoSeconds = 10
	}
	if c.RecallWindowMinutes <= 0 {
		c.RecallWindowMinutes = 15
	}
	if c.SchedulerTickSeconds <= 0 {
		c.SchedulerTickSeconds = 15
	}
}
