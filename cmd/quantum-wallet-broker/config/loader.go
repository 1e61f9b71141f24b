package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/spf13/viper"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/chain"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/securefile"
)

//go:embed config.yaml
var embeddedConfigYAML []byte

const (
	envPrefix     = "QWB"
	envConfigPath = "QWB_CONFIG"
)

type ServerSettings struct {
	Host           string
	Port           string
	AllowedOrigins []string
	Pairing        bool
	PairingFile    string
	WriteTimeout   time.Duration
}

type EndpointSettings struct {
	Name string
	URL  string
}

type ChainSettings struct {
	Endpoints       []EndpointSettings
	EndpointsFile   string
	DefaultEndpoint string
	DialTimeout     time.Duration
	MaxRetries      uint64
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	HeadInterval    time.Duration
	RefreshOnHead   bool
}

type AssetSettings struct {
	Symbol         string
	Decimals       uint8
	DisplayDigits  int
	MaxConcurrency int
	QueryTimeout   time.Duration
}

type KeystoreSettings struct {
	Dir          string
	AccountsFile string
	LightScrypt  bool
}

type PopupSettings struct {
	Page   string
	Type   string
	Width  int
	Height int
	Left   int
	Top    int
}

type HostSettings struct {
	CommandTimeout time.Duration
}

type AuthorizationSettings struct {
	CacheRejections bool
	OriginsFile     string
}

type Config struct {
	Server        ServerSettings
	Chain         ChainSettings
	Assets        AssetSettings
	Keystore      KeystoreSettings
	Popup         PopupSettings
	Host          HostSettings
	Authorization AuthorizationSettings
}

// Load layers the embedded defaults, the user's config file and QWB_*
// environment variables, in that order.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(embeddedConfigYAML)); err != nil {
		return nil, fmt.Errorf("read embedded config: %w", err)
	}

	path, err := userConfigPath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge %s: %w", path, err)
		}
		log.Info("config file loaded", "path", path)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// userConfigPath returns $QWB_CONFIG, or the first existing per-user
// config file, or "" when there is none.
func userConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s: %w", envConfigPath, err)
		}
		return p, nil
	}

	candidates, err := securefile.ConfigPathCandidates(constants.AppName, constants.ConfigFile)
	if err != nil {
		return "", err
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func (c *Config) normalize() error {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	if c.Server.Host == "" || c.Server.Port == "" {
		return fmt.Errorf("Server.Host and Server.Port are required")
	}

	c.Chain.DefaultEndpoint = strings.TrimSpace(c.Chain.DefaultEndpoint)
	if err := chain.ValidateEndpoint(c.Chain.DefaultEndpoint); err != nil {
		return fmt.Errorf("Chain.DefaultEndpoint: %w", err)
	}
	if !slices.ContainsFunc(c.Chain.Endpoints, func(e EndpointSettings) bool { return e.URL == c.Chain.DefaultEndpoint }) {
		c.Chain.Endpoints = append(c.Chain.Endpoints, EndpointSettings{Name: "default", URL: c.Chain.DefaultEndpoint})
	}

	if c.Popup.Page == "" {
		c.Popup.Page = "index.html"
	}
	if c.Popup.Type == "" {
		c.Popup.Type = "popup"
	}

	for _, p := range []struct {
		field *string
		name  string
	}{
		{&c.Keystore.Dir, constants.KeystoreDir},
		{&c.Keystore.AccountsFile, constants.AccountsFile},
		{&c.Authorization.OriginsFile, constants.OriginsFile},
		{&c.Server.PairingFile, constants.PairingFile},
		{&c.Chain.EndpointsFile, constants.EndpointsFile},
	} {
		if strings.TrimSpace(*p.field) != "" {
			continue
		}
		def, err := securefile.DefaultPath(constants.AppName, p.name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p.name, err)
		}
		*p.field = def
	}
	return nil
}
