// Package config 加载节点与公证人守护进程的配置。
//
// 加载顺序：默认值 → YAML 文件 → 环境变量（前缀 LEDGERFLOW_）。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"github.com/weisyn/ledger-flow-go/client"
	"github.com/weisyn/ledger-flow-go/flow"
	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/types"
	"github.com/weisyn/ledger-flow-go/wallet"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "LEDGERFLOW_"

// Config 顶层配置
type Config struct {
	Notary  NotaryConfig  `yaml:"notary"  envPrefix:"NOTARY_"`
	Client  ClientConfig  `yaml:"client"  envPrefix:"CLIENT_"`
	Flow    FlowConfig    `yaml:"flow"    envPrefix:"FLOW_"`
	Log     LogConfig     `yaml:"log"     envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

// NotaryConfig 公证人守护进程
type NotaryConfig struct {
	Name           string  `yaml:"name"           env:"NAME"`
	KeystoreDir    string  `yaml:"keystoreDir"    env:"KEYSTORE_DIR"`
	KeyAddress     string  `yaml:"keyAddress"     env:"KEY_ADDRESS"`
	KeyPassword    string  `yaml:"-"              env:"KEY_PASSWORD"`
	HTTPListen     string  `yaml:"httpListen"     env:"HTTP_LISTEN"`
	GRPCListen     string  `yaml:"grpcListen"     env:"GRPC_LISTEN"`
	RateLimitRPS   float64 `yaml:"rateLimitRPS"   env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst" env:"RATE_LIMIT_BURST"`
	MaxBodyBytes   int64   `yaml:"maxBodyBytes"   env:"MAX_BODY_BYTES"`
}

// ClientConfig 远程公证人客户端
type ClientConfig struct {
	Endpoint   string `yaml:"endpoint"   env:"ENDPOINT"`
	Protocol   string `yaml:"protocol"   env:"PROTOCOL"`
	Timeout    int    `yaml:"timeout"    env:"TIMEOUT"`
	MaxRetries int    `yaml:"maxRetries" env:"MAX_RETRIES"`
}

// FlowConfig 协议实例
type FlowConfig struct {
	SessionTimeout  time.Duration `yaml:"sessionTimeout"  env:"SESSION_TIMEOUT"`
	FinalityTimeout time.Duration `yaml:"finalityTimeout" env:"FINALITY_TIMEOUT"`
	Concurrency     int           `yaml:"concurrency"     env:"CONCURRENCY"`

	// TrustedNotaries 响应方接受的公证人公钥（0x 十六进制，压缩格式）；
	// 为空时业务服务只信任所连接的公证人
	TrustedNotaries []string `yaml:"trustedNotaries" env:"TRUSTED_NOTARIES" envSeparator:","`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig Prometheus 暴露地址，为空表示关闭
type MetricsConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

// Default 返回默认配置
func Default() *Config {
	fd := flow.DefaultConfig()
	nd := notary.DefaultHTTPConfig()
	cd := client.DefaultConfig()
	return &Config{
		Notary: NotaryConfig{
			Name:           notary.DefaultConfig().Name,
			KeystoreDir:    "keystore",
			HTTPListen:     ":8645",
			RateLimitRPS:   nd.RateLimitRPS,
			RateLimitBurst: nd.RateLimitBurst,
			MaxBodyBytes:   nd.MaxBodyBytes,
		},
		Client: ClientConfig{
			Endpoint:   cd.Endpoint,
			Protocol:   string(cd.Protocol),
			Timeout:    cd.Timeout,
			MaxRetries: cd.Retry.MaxRetries,
		},
		Flow: FlowConfig{
			SessionTimeout:  fd.SessionTimeout,
			FinalityTimeout: fd.FinalityTimeout,
			Concurrency:     fd.Concurrency,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load 读取配置；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML 拒绝未知字段，拼写错误不会被静默忽略
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	var errs []error
	if c.Flow.SessionTimeout <= 0 {
		errs = append(errs, errors.New("flow.sessionTimeout must be positive"))
	}
	if c.Flow.FinalityTimeout <= 0 {
		errs = append(errs, errors.New("flow.finalityTimeout must be positive"))
	}
	if c.Flow.Concurrency <= 0 {
		errs = append(errs, errors.New("flow.concurrency must be positive"))
	}
	if _, err := parseNotaries(c.Flow.TrustedNotaries); err != nil {
		errs = append(errs, err)
	}
	switch client.Protocol(c.Client.Protocol) {
	case client.ProtocolHTTP, client.ProtocolGRPC:
	default:
		errs = append(errs, fmt.Errorf("client.protocol %q is not supported", c.Client.Protocol))
	}
	if c.Client.MaxRetries < 0 {
		errs = append(errs, errors.New("client.maxRetries must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// FlowConfig 转为 flow.Config
//
// 非法的公证人公钥在 Validate 中报告，这里跳过。
func (c *Config) FlowConfig(logger types.Logger, observers ...flow.Observer) *flow.Config {
	trusted, _ := parseNotaries(c.Flow.TrustedNotaries)
	return &flow.Config{
		SessionTimeout:  c.Flow.SessionTimeout,
		FinalityTimeout: c.Flow.FinalityTimeout,
		Concurrency:     c.Flow.Concurrency,
		TrustedNotaries: trusted,
		Observers:       observers,
		Logger:          logger,
	}
}

func parseNotaries(keys []string) ([]ledger.Party, error) {
	var (
		out  []ledger.Party
		errs []error
	)
	for _, key := range keys {
		raw, err := hexutil.Decode(strings.TrimSpace(key))
		if err == nil {
			err = wallet.ValidatePublicKey(raw)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("flow.trustedNotaries %q: %w", key, err))
			continue
		}
		out = append(out, ledger.Party{PublicKey: raw})
	}
	return out, errors.Join(errs...)
}

// NotaryHTTPConfig 转为 notary.HTTPConfig
func (c *Config) NotaryHTTPConfig(logger types.Logger) *notary.HTTPConfig {
	return &notary.HTTPConfig{
		RateLimitRPS:   c.Notary.RateLimitRPS,
		RateLimitBurst: c.Notary.RateLimitBurst,
		MaxBodyBytes:   c.Notary.MaxBodyBytes,
		Logger:         logger,
	}
}

// ClientConfig 转为 client.Config
func (c *Config) ClientConfig(logger types.Logger) *client.Config {
	retry := client.DefaultRetryConfig()
	retry.MaxRetries = c.Client.MaxRetries
	return &client.Config{
		Endpoint: c.Client.Endpoint,
		Protocol: client.Protocol(c.Client.Protocol),
		Timeout:  c.Client.Timeout,
		Retry:    retry,
		Logger:   logger,
	}
}

// NewLogger 按配置创建 slog 日志器
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not supported", s)
}
