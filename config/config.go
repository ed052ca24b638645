package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LodestarVersion is reported at startup and by the version flag.
const LodestarVersion = "0.1.0"

// Replication modes.
const (
	ModeStandalone = "standalone"
	ModeRaft       = "raft"
	ModeMasterless = "masterless"
)

var Config *LodestarConfig

func init() {
	// Ensure Config is non-nil with default values for tests and simple runs.
	if Config == nil {
		Config = initDefaultConfig()
	}
}

type LodestarConfig struct {
	Mode   string `mapstructure:"mode" default:"standalone" description:"replication mode: standalone | raft | masterless"`
	NodeID string `mapstructure:"node-id" default:"n1" description:"unique node identity within the cluster"`

	Host string `mapstructure:"host" default:"0.0.0.0" description:"the host address to bind to"`
	Port int    `mapstructure:"port" default:"7411" description:"the client-serving port to bind to"`

	InternodeAddr string   `mapstructure:"internode-addr" default:":7412" description:"address host:port for the inter-node RPC server to listen on"`
	Peers         []string `mapstructure:"peers" description:"peer roster, one id@host:port spec per entry (inter-node addresses, self included); a node is reached at its own roster entry"`

	DataDir  string `mapstructure:"data-dir" default:"lodestar-data" description:"base directory for the WAL, snapshot and raft state"`
	LogLevel string `mapstructure:"log-level" default:"info" description:"the log level: debug | info | warn | error"`

	GroupCommitWindowMicros int `mapstructure:"group-commit-window-us" default:"2000" description:"coalescing window in microseconds for batching concurrent writes into one WAL append"`
	SnapshotIntervalSec     int `mapstructure:"snapshot-interval-sec" default:"60" description:"seconds between snapshot attempts (0 disables the periodic snapshotter)"`
	SnapshotThresholdRecs   int `mapstructure:"snapshot-threshold-records" default:"10000" description:"take a snapshot once this many WAL records accumulated since the last one"`

	ElectionTimeoutMinMillis int `mapstructure:"election-timeout-min-ms" default:"1500" description:"lower bound of the randomized raft election timeout in ms"`
	ElectionTimeoutMaxMillis int `mapstructure:"election-timeout-max-ms" default:"3000" description:"upper bound of the randomized raft election timeout in ms"`
	HeartbeatMillis          int `mapstructure:"heartbeat-ms" default:"100" description:"raft leader heartbeat interval in ms"`
	ProposeTimeoutMillis     int `mapstructure:"propose-timeout-ms" default:"5000" description:"how long a client write waits for quorum commit before timing out"`

	GossipIntervalMillis int `mapstructure:"gossip-interval-ms" default:"250" description:"base interval between gossip rounds in ms (jittered per round)"`
	GossipFanout         int `mapstructure:"gossip-fanout" default:"1" description:"number of peers contacted per gossip round"`
	GossipFullSyncEvery  int `mapstructure:"gossip-full-sync-every" default:"10" description:"every Nth gossip round sends a digest of all keys instead of recently touched ones"`
	TombstoneRetainSec   int `mapstructure:"tombstone-retention-sec" default:"3600" description:"seconds a delete tombstone is retained before garbage collection"`

	MetricsAddr    string `mapstructure:"metrics-addr" default:"" description:"host:port for the Prometheus /metrics endpoint (empty disables it)"`
	StatusFilePath string `mapstructure:"status-file-path" description:"optional explicit path for the periodic node status JSON; defaults to <data-dir>/<node-id>/status.json"`
}

// NodeDir returns the per-node directory holding all persistent state.
func (c *LodestarConfig) NodeDir() string {
	return filepath.Join(c.DataDir, c.NodeID)
}

// Load resolves the effective configuration: defaults < lodestar.yaml < flags.
func Load(flags *pflag.FlagSet) {
	viper.SetConfigType("yaml")
	viper.SetConfigName("lodestar")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "help" {
			return
		}
		// Slice flags must be set as []string, not the formatted string.
		if flag.Value.Type() == "stringSlice" || flag.Value.Type() == "stringArray" {
			if flag.Changed || !viper.IsSet(flag.Name) {
				var ss []string
				var err error
				if flag.Value.Type() == "stringSlice" {
					ss, err = flags.GetStringSlice(flag.Name)
				} else {
					ss, err = flags.GetStringArray(flag.Name)
				}
				if err == nil {
					viper.Set(flag.Name, ss)
				} else {
					viper.Set(flag.Name, flag.Value.String())
				}
			}
			return
		}
		// Primitive flags: only update if the user set a value or viper lacks it.
		if flag.Changed || !viper.IsSet(flag.Name) {
			viper.Set(flag.Name, flag.Value.String())
		}
	})

	if err := viper.Unmarshal(&Config); err != nil {
		panic(err)
	}

	// Anchor a relative data-dir to the current working directory so a node
	// restarted from elsewhere still finds its WAL and snapshot.
	if Config.DataDir == "" {
		Config.DataDir = "lodestar-data"
	}
	if !filepath.IsAbs(Config.DataDir) {
		cwd, _ := os.Getwd()
		Config.DataDir = filepath.Join(cwd, Config.DataDir)
	}
	if err := os.MkdirAll(Config.NodeDir(), 0o755); err != nil {
		panic(fmt.Errorf("could not create data dir '%s': %w", Config.NodeDir(), err))
	}
	if len(Config.Peers) > 0 {
		slog.Info("config loaded peers", slog.Any("peers", Config.Peers))
	}
}

func initDefaultConfig() *LodestarConfig {
	defaultConfig := &LodestarConfig{}
	configType := reflect.TypeOf(*defaultConfig)
	configValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)
		value := configValue.Field(i)

		tag := field.Tag.Get("default")
		if tag != "" {
			switch value.Kind() {
			case reflect.String:
				value.SetString(tag)
			case reflect.Int:
				intVal := 0
				if _, err := fmt.Sscanf(tag, "%d", &intVal); err == nil {
					value.SetInt(int64(intVal))
				}
			case reflect.Bool:
				boolVal := false
				if _, err := fmt.Sscanf(tag, "%t", &boolVal); err == nil {
					value.SetBool(boolVal)
				}
			}
		}
	}

	return defaultConfig
}

// ForceInit installs the provided config, filling zero-valued fields with
// defaults. Used by tests that bypass flag parsing.
func ForceInit(config *LodestarConfig) {
	defaultConfig := initDefaultConfig()

	configType := reflect.TypeOf(*config)
	configValue := reflect.ValueOf(config).Elem()
	defaultConfigValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		value := configValue.Field(i)
		defaultValue := defaultConfigValue.Field(i)
		// IsZero avoids panics on uncomparable kinds (slices, maps).
		if value.IsZero() {
			value.Set(defaultValue)
		}
	}

	Config = config
}
