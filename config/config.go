package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	NodeID               string `mapstructure:"node_id"`
	Port                 int    `mapstructure:"port"`
	SharedDir            string `mapstructure:"shared_dir"`
	DownloadsDir         string `mapstructure:"downloads_dir"`
	ChunkSize            int64  `mapstructure:"chunk_size"`
	MaxConcurrentFetches int    `mapstructure:"max_concurrent_fetches"`
	PausePollMs          int    `mapstructure:"pause_poll_ms"`
	DialTimeoutMs        int    `mapstructure:"dial_timeout_ms"`
	CleanupPartial       bool   `mapstructure:"cleanup_partial"`
	CompressBlobs        bool   `mapstructure:"compress_blobs"`
}

var Config *AppConfig

func LoadConfig(path string) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AutomaticEnv()

	viper.SetDefault("node_id", "riftlink-default-node")
	viper.SetDefault("port", 4001)
	viper.SetDefault("shared_dir", "./shared")
	viper.SetDefault("downloads_dir", "./downloads")
	viper.SetDefault("chunk_size", 1*1024*1024)
	viper.SetDefault("max_concurrent_fetches", 10)
	viper.SetDefault("pause_poll_ms", 250)
	viper.SetDefault("dial_timeout_ms", 30000)
	viper.SetDefault("cleanup_partial", false)
	viper.SetDefault("compress_blobs", false)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		log.Fatalf("❌ Unable to decode config into struct: %v", err)
	}

	Config = &appConfig

	fmt.Println("✅ Configuration loaded successfully.")
}
