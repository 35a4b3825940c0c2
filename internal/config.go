package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 支援 "5m"、"30s" 這類寫法的 yaml 時長
//
// yaml.v3 把 time.Duration 當成整數解析，這裡包一層讓配置文件
// 可以用人類可讀的時長字串。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("無效的時長 %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 轉回標準庫時長
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int      `yaml:"port"`
		ReadTimeout  Duration `yaml:"read_timeout"`
		WriteTimeout Duration `yaml:"write_timeout"`
		IdleTimeout  Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Room struct {
		// 空房間的驅逐延遲
		EvictionDelay Duration `yaml:"eviction_delay"`

		// 列表長度上限，0 表示不限制（與原始行為一致）。
		// 客戶端自己有 12/20 的軟上限，這裡的硬上限是用來
		// 約束廣播負載大小的部署策略。
		ChainLimit        int `yaml:"chain_limit"`
		CustomSymbolLimit int `yaml:"custom_symbol_limit"`
	} `yaml:"room"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = Duration(15 * time.Second)
	cfg.Server.WriteTimeout = Duration(15 * time.Second)
	cfg.Server.IdleTimeout = Duration(60 * time.Second)
	cfg.Room.EvictionDelay = Duration(DefaultEvictionDelay)
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LoadConfig 讀取 yaml 配置文件，未設置的欄位保留預設值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("讀取配置文件失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("解析配置文件失敗: %w", err)
	}

	return cfg, nil
}

// Limits 取出房間列表上限
func (c Config) Limits() Limits {
	return Limits{
		Chain:         c.Room.ChainLimit,
		CustomSymbols: c.Room.CustomSymbolLimit,
	}
}
