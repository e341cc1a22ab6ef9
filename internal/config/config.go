package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/visp-platform/session-broker/pkg/models"
)

// Config holds all broker settings. Values are layered: built-in defaults,
// then an optional yaml file, then VISP_* environment variables.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	Session   Session   `mapstructure:"session"`
	Registry  Registry  `mapstructure:"registry"`
	Workspace Workspace `mapstructure:"workspace"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	RateLimit RateLimit `mapstructure:"ratelimit"`

	// Images and Ports map session kinds to container images and the
	// in-container port the kind's service listens on.
	Images map[string]string `mapstructure:"images"`
	Ports  map[string]int    `mapstructure:"ports"`
}

// Session contains lifecycle tunables.
type Session struct {
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	ProvisionTimeout        time.Duration `mapstructure:"provision_timeout"`
	CommitTimeout           time.Duration `mapstructure:"commit_timeout"`
	MaxConcurrentProvisions int64         `mapstructure:"max_concurrent_provisions"`
	ReadyPollInitial        time.Duration `mapstructure:"ready_poll_initial"`
	ReadyPollMax            time.Duration `mapstructure:"ready_poll_max"`
}

// Registry contains persistence settings for the session table.
type Registry struct {
	// SnapshotPath enables on-disk persistence of the session table when
	// non-empty. An unreadable snapshot refuses startup.
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// Workspace contains source-control settings for session content.
type Workspace struct {
	// RemoteBase is prefixed to a workspaceRef to form the clone URL.
	RemoteBase string `mapstructure:"remote_base"`
	// TemplateDir holds template workspaces for template: refs.
	TemplateDir string `mapstructure:"template_dir"`
	// Dir is the in-container path the workspace is materialized at.
	Dir string `mapstructure:"dir"`
}

// Reconcile contains reconciler tunables, including the adoption health
// criteria (explicit configuration, not heuristics).
type Reconcile struct {
	Interval     time.Duration `mapstructure:"interval"`
	OrphanGrace  time.Duration `mapstructure:"orphan_grace"`
	ProbeAdopted bool          `mapstructure:"probe_adopted"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// RateLimit caps session-creating requests per owner.
type RateLimit struct {
	PerHour int `mapstructure:"per_hour"`
	Burst   int `mapstructure:"burst"`
}

// Image returns the container image for a session kind.
func (c *Config) Image(kind models.SessionKind) (string, error) {
	img, ok := c.Images[string(kind)]
	if !ok || img == "" {
		return "", fmt.Errorf("no image configured for kind %q", kind)
	}
	return img, nil
}

// ServicePort returns the in-container port for a session kind.
func (c *Config) ServicePort(kind models.SessionKind) (int, error) {
	port, ok := c.Ports[string(kind)]
	if !ok || port == 0 {
		return 0, fmt.Errorf("no service port configured for kind %q", kind)
	}
	return port, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("session.idle_timeout", "2h")
	v.SetDefault("session.provision_timeout", "3m")
	v.SetDefault("session.commit_timeout", "2m")
	v.SetDefault("session.max_concurrent_provisions", 4)
	v.SetDefault("session.ready_poll_initial", "250ms")
	v.SetDefault("session.ready_poll_max", "4s")

	v.SetDefault("registry.snapshot_path", "")

	v.SetDefault("workspace.remote_base", "")
	v.SetDefault("workspace.template_dir", "/srv/visp/templates")
	v.SetDefault("workspace.dir", "/workspace")

	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.orphan_grace", "5m")
	v.SetDefault("reconcile.probe_adopted", true)
	v.SetDefault("reconcile.probe_timeout", "3s")

	v.SetDefault("ratelimit.per_hour", 100)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("images", map[string]string{
		string(models.KindOperations): "visp-operations-session:latest",
		string(models.KindRStudio):    "visp-rstudio-session:latest",
		string(models.KindJupyter):    "visp-jupyter-session:latest",
		string(models.KindEditor):     "visp-editor-session:latest",
	})
	v.SetDefault("ports", map[string]int{
		string(models.KindOperations): 8080,
		string(models.KindRStudio):    8787,
		string(models.KindJupyter):    8888,
		string(models.KindEditor):     8443,
	})
}

// Load reads configuration from /etc/visp/config.yaml (or the file named by
// VISP_CONFIG) plus VISP_* environment variables, on top of the defaults.
// A missing config file is fine; a malformed one is not.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path := os.Getenv("VISP_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("/etc/visp")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VISP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
