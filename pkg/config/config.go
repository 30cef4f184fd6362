package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Listen        string `mapstructure:"listen"`
		MetricsListen string `mapstructure:"metrics_listen"`
		SessionCookie string `mapstructure:"session_cookie"`
	} `mapstructure:"Server"`
	Models struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"Models"`
	Detection struct {
		Connector       string `mapstructure:"connector"` // and / or
		Mode            string `mapstructure:"mode"`      // lda / nn / both
		BlockCrawling   bool   `mapstructure:"block_crawling"`
		OnlineLearning  bool   `mapstructure:"online_learning"`
		ScorerTimeoutMS int    `mapstructure:"scorer_timeout_ms"`
		WindowSize      int    `mapstructure:"window_size"`
		MaxConnections  int    `mapstructure:"max_connections"`
		KeepConnections int    `mapstructure:"keep_connections"`
	} `mapstructure:"Detection"`
	Types struct {
		Block []string `mapstructure:"block"`
		Allow []string `mapstructure:"allow"`
	} `mapstructure:"Types"`
	Captcha struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"Captcha"`
	AuditLog struct {
		Mode string `mapstructure:"mode"` // off / blocked / all
		Dir  string `mapstructure:"dir"`
	} `mapstructure:"AuditLog"`
	Alert struct {
		SendEmergency bool `mapstructure:"send_emergency"`
		SendDaily     bool `mapstructure:"send_daily"`
	} `mapstructure:"Alert"`
	Mail struct {
		Host     string
		Port     int
		User     string
		Password string
		From     string
		To       string
	} `mapstructure:"Mail"`
	MySQL struct {
		DSN     string
		MaxIdle int
		MaxOpen int
	}
	InfluxDB struct {
		URL    string
		Token  string
		Org    string
		Bucket string
	}
	Kafka struct {
		Brokers []string
		Topic   string
	}
	GeoIP struct {
		CityPath string `mapstructure:"city_path"`
		ASNPath  string `mapstructure:"asn_path"`
	} `mapstructure:"GeoIP"`
	Log struct {
		Level string
		Path  string
	}
}

var GlobalConfig Config

func Init() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("config")

	// 关键默认值，配置文件缺省时按默认策略运行
	viper.SetDefault("Server.listen", ":8080")
	viper.SetDefault("Server.session_cookie", "menshen_session")
	viper.SetDefault("Models.dir", "model")
	viper.SetDefault("Detection.connector", "or")
	viper.SetDefault("Detection.mode", "both")
	viper.SetDefault("Detection.scorer_timeout_ms", 2000)
	viper.SetDefault("Detection.window_size", 5)
	viper.SetDefault("Detection.max_connections", 2000)
	viper.SetDefault("Detection.keep_connections", 1000)
	viper.SetDefault("AuditLog.mode", "blocked")
	viper.SetDefault("AuditLog.dir", "logs")

	if err := viper.ReadInConfig(); err != nil {
		return err
	}

	return viper.Unmarshal(&GlobalConfig)
}
