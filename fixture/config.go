package fixture

import (
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/clusterfixture/db"
	"github.com/spf13/viper"
)

const envPrefix = "CLUSTERFIXTURE"

// Config holds the settings of a fixture. DefaultConfig matches what the benchmark tests expect.
type Config struct {
	// Nodes is the number of cluster nodes.
	Nodes int `mapstructure:"nodes"`
	// BasePort is the service port of node 1. Node k listens on BasePort+1000*(k-1) through +3.
	BasePort int `mapstructure:"base_port"`
	// Host is the address clients and the benchmark connect to.
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	Set       string `mapstructure:"set"`

	// Root is the directory the work directory is created in.
	Root string `mapstructure:"root"`
	// Template is the path of the server config template.
	Template string `mapstructure:"template"`

	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectInterval time.Duration `mapstructure:"connect_interval"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	// CheckPorts makes Start verify that each node's ports are free before launching it.
	CheckPorts bool `mapstructure:"check_ports"`

	Benchmark BenchmarkConfig `mapstructure:"benchmark"`
}

type BenchmarkConfig struct {
	// Bin is the benchmark executable.
	Bin string `mapstructure:"bin"`
	// Dir is the working directory the benchmark runs in.
	Dir string `mapstructure:"dir"`
	// Wrapper is prepended to the benchmark command line, e.g. a valgrind invocation.
	Wrapper []string `mapstructure:"wrapper"`
}

func DefaultConfig() Config {
	return Config{
		Nodes:           2,
		BasePort:        db.DefaultPort,
		Host:            db.DefaultHost,
		Namespace:       "test",
		Set:             "test",
		Root:            ".",
		Template:        "aerospike.conf",
		ConnectAttempts: db.DefaultConnectAttempts,
		ConnectInterval: db.DefaultConnectInterval,
		StopTimeout:     time.Minute,
		CheckPorts:      true,
		Benchmark: BenchmarkConfig{
			Bin: "asbench",
			Dir: ".",
		},
	}
}

// Validate checks that the config describes a usable fixture.
func (c Config) Validate() error {
	if c.Nodes < 1 {
		return fmt.Errorf("nodes must be at least 1, got %d", c.Nodes)
	}
	last := c.BasePort + 1000*(c.Nodes-1) + 3
	if c.BasePort < 1 || last > 65535 {
		return fmt.Errorf("base port %d with %d nodes gives ports outside 1-65535", c.BasePort, c.Nodes)
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	return nil
}

// Target is the client connection target, node 1's service port on Host.
func (c Config) Target() db.Target {
	return db.Target{Host: c.Host, Port: c.BasePort}
}

// LoadConfig reads a config file on top of DefaultConfig. Any key can be overridden with a
// CLUSTERFIXTURE_ environment variable, e.g. CLUSTERFIXTURE_BASE_PORT or CLUSTERFIXTURE_BENCHMARK_BIN.
// An empty path only applies environment overrides.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("nodes", def.Nodes)
	v.SetDefault("base_port", def.BasePort)
	v.SetDefault("host", def.Host)
	v.SetDefault("namespace", def.Namespace)
	v.SetDefault("set", def.Set)
	v.SetDefault("root", def.Root)
	v.SetDefault("template", def.Template)
	v.SetDefault("connect_attempts", def.ConnectAttempts)
	v.SetDefault("connect_interval", def.ConnectInterval)
	v.SetDefault("stop_timeout", def.StopTimeout)
	v.SetDefault("check_ports", def.CheckPorts)
	v.SetDefault("benchmark.bin", def.Benchmark.Bin)
	v.SetDefault("benchmark.dir", def.Benchmark.Dir)
	v.SetDefault("benchmark.wrapper", def.Benchmark.Wrapper)

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
