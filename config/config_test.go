package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultsFromStructTags(t *testing.T) {
	c := initDefaultConfig()
	assert.Equal(t, ModeStandalone, c.Mode)
	assert.Equal(t, "n1", c.NodeID)
	assert.Equal(t, 7411, c.Port)
	assert.Equal(t, 2000, c.GroupCommitWindowMicros)
	assert.Equal(t, 1500, c.ElectionTimeoutMinMillis)
	assert.Equal(t, 3000, c.ElectionTimeoutMaxMillis)
	assert.Equal(t, 100, c.HeartbeatMillis)
	assert.Equal(t, 3600, c.TombstoneRetainSec)
}

func TestForceInitFillsZeroFields(t *testing.T) {
	old := Config
	defer func() { Config = old }()

	ForceInit(&LodestarConfig{Mode: ModeRaft, NodeID: "n7"})
	assert.Equal(t, ModeRaft, Config.Mode)
	assert.Equal(t, "n7", Config.NodeID)
	assert.Equal(t, 7411, Config.Port, "unset fields take defaults")
	assert.Equal(t, 250, Config.GossipIntervalMillis)
}

func TestNodeDir(t *testing.T) {
	c := &LodestarConfig{DataDir: filepath.Join("base", "data"), NodeID: "n3"}
	assert.Equal(t, filepath.Join("base", "data", "n3"), c.NodeDir())
}
