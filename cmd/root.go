package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "bid-evaluator"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	AI         AIConfig         `mapstructure:"ai"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Minio      MinioConfig      `mapstructure:"minio"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	BaseURL         string        `mapstructure:"base-url" validate:"required,url"`
	StaticDir       string        `mapstructure:"static-dir" validate:"required"`
	CORSOrigins     []string      `mapstructure:"cors-origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" validate:"gt=0"`
}

type StorageConfig struct {
	Driver          string `mapstructure:"driver" validate:"oneof=memory postgres"`
	DatabaseURL     string `mapstructure:"database-url"`
	DatabaseURLFile string `mapstructure:"database-url-file"`
}

type AIConfig struct {
	Provider    string            `mapstructure:"provider" validate:"oneof=gemini"`
	Gemini      GeminiConfig      `mapstructure:"gemini"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
}

type GeminiConfig struct {
	APIKey            string        `mapstructure:"api-key"`
	APIKeyFile        string        `mapstructure:"api-key-file"`
	Model             string        `mapstructure:"model" validate:"required"`
	MaxRetries        int           `mapstructure:"max-retries" validate:"gte=1"`
	CallTimeout       time.Duration `mapstructure:"call-timeout" validate:"gt=0"`
	RequestsPerMinute int           `mapstructure:"requests-per-minute" validate:"gte=0"`
	MaxQuotaWait      time.Duration `mapstructure:"max-quota-wait" validate:"gte=0"`
	MaxLogLength      int           `mapstructure:"max-log-length" validate:"gte=0"`
}

type AttachmentsConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch-timeout" validate:"gt=0"`
	CacheSize    int           `mapstructure:"cache-size" validate:"gte=1"`
	CacheTTL     time.Duration `mapstructure:"cache-ttl" validate:"gt=0"`
	MaxBytes     int64         `mapstructure:"max-bytes" validate:"gt=0"`
}

type EvaluationConfig struct {
	Temperature  float32       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	StageDelay   time.Duration `mapstructure:"stage-delay" validate:"gte=0"`
	StageTimeout time.Duration `mapstructure:"stage-timeout" validate:"gt=0"`
	RepairJSON   bool          `mapstructure:"repair-json"`
}

type SchedulerConfig struct {
	Workers       int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize     int           `mapstructure:"queue-size" validate:"gte=1"`
	StartDelay    time.Duration `mapstructure:"start-delay" validate:"gte=0"`
	RunTimeout    time.Duration `mapstructure:"run-timeout" validate:"gt=0"`
	MaxAttempts   int           `mapstructure:"max-attempts" validate:"gte=1"`
	SweepSchedule string        `mapstructure:"sweep-schedule"`
	SweepGrace    time.Duration `mapstructure:"sweep-grace" validate:"gte=0"`
	SweepLimit    int           `mapstructure:"sweep-limit" validate:"gte=1"`
}

type MinioConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access-key"`
	SecretKey     string `mapstructure:"secret-key"`
	SecretKeyFile string `mapstructure:"secret-key-file"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	UseSSL        bool   `mapstructure:"use-ssl"`
	PublicURL     string `mapstructure:"public-url"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	// Used for flags.
	cfgFile string
	envFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "bid-evaluator scores vendor bids against tender requirements with a generative model",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is bid-evaluator.yaml in current directory)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "a dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// A missing dotenv file is fine, a broken one is not.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading %s: %v", envFile, err)
	}

	setDefaults(viper.GetViper())
	if err := bindEnv(viper.GetViper()); err != nil {
		log.Fatal(err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// The config file is optional unless it was given explicitly.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	if port := os.Getenv("PORT"); port != "" {
		v.SetDefault("server.addr", ":"+port)
	}
	v.SetDefault("server.base-url", "http://localhost:8080")
	v.SetDefault("server.static-dir", "static")
	v.SetDefault("server.cors-origins", []string{"*"})
	v.SetDefault("server.shutdown-timeout", "30s")

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.gemini.model", "gemini-2.0-flash")
	v.SetDefault("ai.gemini.max-retries", 3)
	v.SetDefault("ai.gemini.call-timeout", "2m")
	v.SetDefault("ai.gemini.requests-per-minute", 15)
	v.SetDefault("ai.gemini.max-quota-wait", "30s")
	v.SetDefault("ai.gemini.max-log-length", 200)
	v.SetDefault("ai.attachments.fetch-timeout", "60s")
	v.SetDefault("ai.attachments.cache-size", 32)
	v.SetDefault("ai.attachments.cache-ttl", "10m")
	v.SetDefault("ai.attachments.max-bytes", 50<<20)

	v.SetDefault("evaluation.temperature", 0)
	v.SetDefault("evaluation.stage-delay", "10s")
	v.SetDefault("evaluation.stage-timeout", "5m")
	v.SetDefault("evaluation.repair-json", true)

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue-size", 128)
	v.SetDefault("scheduler.start-delay", "2s")
	v.SetDefault("scheduler.run-timeout", "30m")
	v.SetDefault("scheduler.max-attempts", 3)
	v.SetDefault("scheduler.sweep-schedule", "@every 10m")
	v.SetDefault("scheduler.sweep-grace", "15m")
	v.SetDefault("scheduler.sweep-limit", 50)

	v.SetDefault("minio.bucket", "tender-bucket")
}

// bindEnv maps the deployment's environment variables onto config keys.
// Secret values themselves are read by the secrets loader.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"ai.gemini.api-key-file":    "GEMINI_API_KEY_FILE",
		"storage.database-url-file": "DATABASE_URL_FILE",
		"server.base-url":           "SERVER_URL",
		"minio.endpoint":            "MINIO_ENDPOINT",
		"minio.access-key":          "MINIO_ACCESS_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("binding %s environment variable: %w", env, err)
		}
	}
	return nil
}

func getConfig() (*Config, error) {
	return decodeConfig(viper.GetViper())
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var config Config
	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	config.Server.BaseURL = strings.TrimRight(config.Server.BaseURL, "/")
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}
