package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shopflow/internal/graph"
	"shopflow/internal/types"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	ListenAddr           string                           `mapstructure:"listen_addr"`            // HTTP 监听地址
	WALPath              string                           `mapstructure:"wal_path"`               // 预写日志路径，为空时只用内存存储
	MaxWorkers           int                              `mapstructure:"max_workers"`            // 调度器最大并发开工数
	AutoStart            bool                             `mapstructure:"auto_start"`             // ready 工序是否自动排队开工
	DefaultShift         string                           `mapstructure:"default_shift"`          // 工单未指定班次时使用
	ReleasingHoldReasons []types.HoldReason               `mapstructure:"releasing_hold_reasons"` // 会释放已占产能的挂起原因
	WebhookURL           string                           `mapstructure:"webhook_url"`            // 状态转移通知地址，为空时不推送
	TemplateDir          string                           `mapstructure:"template_dir"`           // 额外的工作流模板目录
	Templates            map[string][]types.StageTemplate `mapstructure:"templates"`              // 工作流模板，Key 为模板名称
	Capacity             []CapacitySeed                   `mapstructure:"capacity"`               // 启动时写入账本的产能
}

// CapacitySeed 是配置文件中的一条初始产能
type CapacitySeed struct {
	ShopID      string                `mapstructure:"shop_id"`
	Date        string                `mapstructure:"date"`
	Department  types.Department      `mapstructure:"department"`
	Shift       string                `mapstructure:"shift"`
	TotalHours  float64               `mapstructure:"total_hours"`
	TotalBays   int                   `mapstructure:"total_bays"`
	Bays        map[types.BayType]int `mapstructure:"bays"`
	Technicians int                   `mapstructure:"technicians"`
	Skills      []types.Skill         `mapstructure:"skills"`
	Equipment   []string              `mapstructure:"equipment"`
	BufferHours float64               `mapstructure:"buffer_hours"`
}

// Key 解析出产能键
func (s CapacitySeed) Key() (types.CapacityKey, error) {
	d, err := time.Parse(types.DateLayout, s.Date)
	if err != nil {
		return types.CapacityKey{}, fmt.Errorf("%w: bad date %q", types.ErrInvalidCapacity, s.Date)
	}
	key := types.NewCapacityKey(s.ShopID, d, s.Department, s.Shift)
	return key, key.Validate()
}

// Template 按名称查找工作流模板，名称不区分大小写
func (c *Config) Template(name string) ([]types.StageTemplate, bool) {
	tpl, ok := c.Templates[strings.ToLower(name)]
	return tpl, ok
}

// TemplateNames 返回排好序的模板名称
func (c *Config) TemplateNames() []string {
	names := make([]string, 0, len(c.Templates))
	for n := range c.Templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers 必须大于 0，当前为 %d", c.MaxWorkers)
	}
	for _, h := range c.ReleasingHoldReasons {
		if !h.Valid() {
			return fmt.Errorf("未知的挂起原因: %s", h)
		}
	}
	for name, tpl := range c.Templates {
		if err := graph.ValidateTemplate(tpl); err != nil {
			return fmt.Errorf("模板 %s 无效: %w", name, err)
		}
	}
	for i, s := range c.Capacity {
		if _, err := s.Key(); err != nil {
			return fmt.Errorf("第 %d 条产能配置无效: %w", i+1, err)
		}
	}
	return nil
}

// Loader 负责读取配置文件并在文件变化时重新加载
type Loader struct {
	v      *viper.Viper
	logger *slog.Logger
	mu     sync.Mutex
	last   *Config
}

// NewLoader 创建一个配置加载器；path 为空时在当前目录查找 config.yaml
func NewLoader(path string, logger *slog.Logger) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}

	// 设置默认值
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("max_workers", 4)
	v.SetDefault("default_shift", "day")
	v.SetDefault("releasing_hold_reasons", types.DefaultReleasingHoldReasons)

	v.SetEnvPrefix("SHOPFLOW")
	v.AutomaticEnv()

	return &Loader{v: v, logger: logger.With("component", "config")}
}

// Load 读取并解析配置文件
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.last = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	// 将配置解析到结构体中
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if cfg.Templates == nil {
		cfg.Templates = make(map[string][]types.StageTemplate)
	}
	if cfg.TemplateDir != "" {
		extra, err := LoadTemplateDir(cfg.TemplateDir)
		if err != nil {
			return nil, err
		}
		for name, tpl := range extra {
			cfg.Templates[name] = tpl
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current 返回最近一次成功加载的配置
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Watch 监听配置文件变化，重新加载成功后回调 fn
// 新配置无效时保留旧配置，只记录错误
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error("配置重新加载失败，继续使用旧配置", "file", e.Name, "error", err)
			return
		}
		l.mu.Lock()
		l.last = cfg
		l.mu.Unlock()
		l.logger.Info("配置已重新加载", "file", e.Name, "templates", len(cfg.Templates))
		fn(cfg)
	})
	l.v.WatchConfig()
}

// LoadTemplateDir 读取目录下的全部 *.yaml / *.yml 模板文件
// 每个文件是一个工序列表，文件名 (不带扩展名) 作为模板名称
func LoadTemplateDir(dir string) (map[string][]types.StageTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取模板目录失败: %w", err)
	}
	out := make(map[string][]types.StageTemplate)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("读取模板文件失败: %w", err)
		}
		var tpl []types.StageTemplate
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidTemplate, e.Name(), err)
		}
		out[strings.ToLower(strings.TrimSuffix(e.Name(), ext))] = tpl
	}
	return out, nil
}
