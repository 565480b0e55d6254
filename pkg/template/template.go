// Package template generates starter moltworker.toml files.
package template

import (
	"crypto/rand"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType selects a starter preset.
type TemplateType string

const (
	TypeContainer TemplateType = "container"
	TypeDocker    TemplateType = "docker"
	TypeLocal     TemplateType = "local"
	TypeDev       TemplateType = "dev"
	TypeSecure    TemplateType = "secure"
	TypeProd      TemplateType = "prod"
	TypeObserved  TemplateType = "observed"
	TypeMetrics   TemplateType = "metrics"
)

// ConfigTemplate mirrors the subset of the config file a starter needs.
type ConfigTemplate struct {
	Server  ServerSection   `toml:"server"`
	Gateway GatewaySection  `toml:"gateway"`
	Metrics *MetricsSection `toml:"metrics,omitempty"`
	History *HistorySection `toml:"history,omitempty"`
	Auth    *AuthSection    `toml:"auth,omitempty"`
	Log     LogSection      `toml:"log"`
}

type ServerSection struct {
	Listen      string      `toml:"listen"`
	Admin       string      `toml:"admin"`
	LoadingPage bool        `toml:"loading_page"`
	TLS         *TLSSection `toml:"tls,omitempty"`
}

type TLSSection struct {
	Enabled      bool   `toml:"enabled"`
	Dir          string `toml:"dir"`
	AutoGenerate bool   `toml:"auto_generate"`
}

type GatewaySection struct {
	Command        string   `toml:"command"`
	Port           int      `toml:"port"`
	Token          string   `toml:"token"`
	StartupTimeout string   `toml:"startup_timeout,omitempty"`
	Include        []string `toml:"include,omitempty"`
	AdoptExternal  bool     `toml:"adopt_external"`
	Env            []string `toml:"env,omitempty"`
	EnvFiles       []string `toml:"env_files,omitempty"`
}

type MetricsSection struct {
	Enabled          bool   `toml:"enabled"`
	Listen           string `toml:"listen,omitempty"`
	ResourceInterval string `toml:"resource_interval,omitempty"`
}

type HistorySection struct {
	Sinks []string `toml:"sinks"`
}

type AuthSection struct {
	Enabled  bool            `toml:"enabled"`
	TokenTTL string          `toml:"token_ttl,omitempty"`
	Clients  []ClientSection `toml:"clients"`
}

type ClientSection struct {
	ID     string   `toml:"id"`
	Secret string   `toml:"secret"`
	Roles  []string `toml:"roles"`
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Options override preset values. Empty Token or Secret are generated.
type Options struct {
	Command string
	Port    int
	Token   string
	Secret  string
}

// Generator builds presets.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the preset for t with opts applied.
func (g *Generator) Generate(t TemplateType, opts Options) (*ConfigTemplate, error) {
	var c *ConfigTemplate
	switch t {
	case TypeContainer, TypeDocker:
		c = g.containerTemplate()
	case TypeLocal, TypeDev:
		c = g.localTemplate()
	case TypeSecure, TypeProd:
		c = g.secureTemplate()
	case TypeObserved, TypeMetrics:
		c = g.observedTemplate()
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: container, local, secure, observed)", t)
	}
	if opts.Command != "" {
		c.Gateway.Command = opts.Command
	}
	if opts.Port > 0 {
		c.Gateway.Port = opts.Port
	}
	c.Gateway.Token = opts.Token
	if c.Gateway.Token == "" {
		c.Gateway.Token = rand.Text()
	}
	if c.Auth != nil {
		for i := range c.Auth.Clients {
			c.Auth.Clients[i].Secret = opts.Secret
			if c.Auth.Clients[i].Secret == "" {
				c.Auth.Clients[i].Secret = rand.Text()
			}
		}
	}
	return c, nil
}

// GenerateTOML renders the preset as a config file.
func (g *Generator) GenerateTOML(t TemplateType, opts Options) ([]byte, error) {
	c, err := g.Generate(t, opts)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return b, nil
}

// GetSupportedTypes returns the primary preset names, without aliases.
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeContainer),
		string(TypeLocal),
		string(TypeSecure),
		string(TypeObserved),
	}
}

// container runs the image's start script and adopts a gateway that
// survived a proxy restart.
func (g *Generator) containerTemplate() *ConfigTemplate {
	return &ConfigTemplate{
		Server: ServerSection{Listen: ":8080", LoadingPage: true},
		Gateway: GatewaySection{
			Command:        "/usr/local/bin/start-gateway.sh",
			Port:           18789,
			StartupTimeout: "180s",
			AdoptExternal:  true,
			EnvFiles:       []string{"/etc/moltworker/gateway.env"},
		},
		Log: LogSection{Level: "info", Format: "json"},
	}
}

func (g *Generator) localTemplate() *ConfigTemplate {
	return &ConfigTemplate{
		Server: ServerSection{Listen: "127.0.0.1:8080", Admin: "/_admin", LoadingPage: true},
		Gateway: GatewaySection{
			Command: "openclaw gateway --port 18789 --bind loopback",
			Port:    18789,
			Include: []string{"openclaw gateway"},
		},
		Log: LogSection{Level: "debug", Format: "text"},
	}
}

func (g *Generator) secureTemplate() *ConfigTemplate {
	c := g.containerTemplate()
	c.Server.Listen = ":8443"
	c.Server.Admin = "/_admin"
	c.Server.TLS = &TLSSection{Enabled: true, Dir: "/var/lib/moltworker/tls", AutoGenerate: true}
	c.Auth = &AuthSection{
		Enabled:  true,
		TokenTTL: "12h",
		Clients:  []ClientSection{{ID: "ops", Roles: []string{"admin"}}},
	}
	return c
}

func (g *Generator) observedTemplate() *ConfigTemplate {
	c := g.containerTemplate()
	c.Metrics = &MetricsSection{Enabled: true, Listen: ":9090", ResourceInterval: "15s"}
	c.History = &HistorySection{Sinks: []string{"sqlite:///var/lib/moltworker/history.db"}}
	return c
}
