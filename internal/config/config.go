// Package config defines the engine's configuration surface and loads it
// with viper, layering a config file and ARIESDB_-prefixed environment
// variables over built-in defaults.
package config

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"ariesdb/internal/dberror"
)

// EvictionPolicy selects the buffer pool's page replacement strategy.
type EvictionPolicy string

const (
	EvictionARC   EvictionPolicy = "ARC"
	EvictionLRU   EvictionPolicy = "LRU"
	EvictionCLOCK EvictionPolicy = "CLOCK"
	EvictionLRUK  EvictionPolicy = "LRU-K"
	Eviction2Q    EvictionPolicy = "2Q"
	EvictionLIRS  EvictionPolicy = "LIRS"
)

// IsolationLevel is the default isolation new transactions begin at.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "RU"
	ReadCommitted   IsolationLevel = "RC"
	RepeatableRead  IsolationLevel = "RR"
	Snapshot        IsolationLevel = "SI"
	Serializable    IsolationLevel = "SER"
)

// VictimPolicy selects how the deadlock detector picks which transaction
// to abort when it finds a cycle.
type VictimPolicy string

const (
	VictimYoungest     VictimPolicy = "youngest"
	VictimOldest       VictimPolicy = "oldest"
	VictimLeastWork    VictimPolicy = "leastWork"
	VictimLowestPrio   VictimPolicy = "lowestPriority"
)

// Config is the engine's full configuration surface.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	PageSize int    `mapstructure:"page_size"` // 4096 | 8192 | 16384, fixed at creation
	NodeID   uint32 `mapstructure:"node_id"`

	BufferPoolFrames int            `mapstructure:"buffer_pool_frames"`
	EvictionPolicy   EvictionPolicy `mapstructure:"eviction_policy"`

	WALBufferBytes    int           `mapstructure:"wal_buffer_bytes"`
	WALMaxCommitDelay time.Duration `mapstructure:"wal_max_commit_delay"`
	WALSegmentBytes   int64         `mapstructure:"wal_segment_bytes"`
	WALGroupCommit    bool          `mapstructure:"wal_group_commit"`

	IsolationDefault IsolationLevel `mapstructure:"isolation_default"`

	DeadlockInterval     time.Duration `mapstructure:"deadlock_interval"`
	DeadlockVictimPolicy VictimPolicy  `mapstructure:"deadlock_victim_policy"`

	LockAcquireTimeout   time.Duration `mapstructure:"lock_acquire_timeout"`
	LockMaxWaiters       int           `mapstructure:"lock_max_waiters"`
	LockEscalationThresh int           `mapstructure:"lock_escalation_threshold"`

	MVCCMaxVersionsPerKey int           `mapstructure:"mvcc_max_versions_per_key"`
	MVCCMaxVersionsGlobal int           `mapstructure:"mvcc_max_versions_global"`
	MVCCGCInterval        time.Duration `mapstructure:"mvcc_gc_interval"`
	MVCCGCBatch           int           `mapstructure:"mvcc_gc_batch"`

	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	CheckpointFuzzy    bool          `mapstructure:"checkpoint_fuzzy"`

	MaxActiveTransactions int `mapstructure:"max_active_transactions"`
}

// Default returns the engine's built-in configuration defaults.
func Default() Config {
	return Config{
		DataDir:          "./data",
		PageSize:         4096,
		NodeID:           1,
		BufferPoolFrames: 4096,
		EvictionPolicy:   EvictionARC,

		WALBufferBytes:    4 << 20,
		WALMaxCommitDelay: 5 * time.Millisecond,
		WALSegmentBytes:   64 << 20,
		WALGroupCommit:    true,

		IsolationDefault: RepeatableRead,

		DeadlockInterval:     1 * time.Second,
		DeadlockVictimPolicy: VictimYoungest,

		LockAcquireTimeout:   5 * time.Second,
		LockMaxWaiters:       10_000,
		LockEscalationThresh: 100,

		MVCCMaxVersionsPerKey: 1_000,
		MVCCMaxVersionsGlobal: 10_000_000,
		MVCCGCInterval:        30 * time.Second,
		MVCCGCBatch:           1_000,

		CheckpointInterval: 60 * time.Second,
		CheckpointFuzzy:    true,

		MaxActiveTransactions: 100_000,
	}
}

// Load reads configuration from the given file (if non-empty) and from
// ARIESDB_-prefixed environment variables, layered over Default().
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("ARIESDB")
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeInvalidConfig, "Load", "Config")
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeInvalidConfig, "Load", "Config")
	}

	// node_id: 0 (the explicit opt-in for "assign one for me") gets a
	// random identifier instead of a counter, so two independently
	// started processes can't collide on the same HLC node id.
	if cfg.NodeID == 0 {
		cfg.NodeID = deriveNodeID()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func deriveNodeID() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("page_size", cfg.PageSize)
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("buffer_pool_frames", cfg.BufferPoolFrames)
	v.SetDefault("eviction_policy", cfg.EvictionPolicy)
	v.SetDefault("wal_buffer_bytes", cfg.WALBufferBytes)
	v.SetDefault("wal_max_commit_delay", cfg.WALMaxCommitDelay)
	v.SetDefault("wal_segment_bytes", cfg.WALSegmentBytes)
	v.SetDefault("wal_group_commit", cfg.WALGroupCommit)
	v.SetDefault("isolation_default", cfg.IsolationDefault)
	v.SetDefault("deadlock_interval", cfg.DeadlockInterval)
	v.SetDefault("deadlock_victim_policy", cfg.DeadlockVictimPolicy)
	v.SetDefault("lock_acquire_timeout", cfg.LockAcquireTimeout)
	v.SetDefault("lock_max_waiters", cfg.LockMaxWaiters)
	v.SetDefault("lock_escalation_threshold", cfg.LockEscalationThresh)
	v.SetDefault("mvcc_max_versions_per_key", cfg.MVCCMaxVersionsPerKey)
	v.SetDefault("mvcc_max_versions_global", cfg.MVCCMaxVersionsGlobal)
	v.SetDefault("mvcc_gc_interval", cfg.MVCCGCInterval)
	v.SetDefault("mvcc_gc_batch", cfg.MVCCGCBatch)
	v.SetDefault("checkpoint_interval", cfg.CheckpointInterval)
	v.SetDefault("checkpoint_fuzzy", cfg.CheckpointFuzzy)
	v.SetDefault("max_active_transactions", cfg.MaxActiveTransactions)
}

// Validate rejects configurations the engine cannot safely run with.
func (c Config) Validate() error {
	switch c.PageSize {
	case 4096, 8192, 16384:
	default:
		return dberror.New(dberror.KindPermanent, dberror.CodeInvalidConfig,
			fmt.Sprintf("page_size must be 4096, 8192, or 16384, got %d", c.PageSize))
	}
	if c.BufferPoolFrames <= 0 {
		return dberror.New(dberror.KindPermanent, dberror.CodeInvalidConfig, "buffer_pool_frames must be positive")
	}
	if c.WALSegmentBytes <= 0 {
		return dberror.New(dberror.KindPermanent, dberror.CodeInvalidConfig, "wal_segment_bytes must be positive")
	}
	if c.MaxActiveTransactions <= 0 {
		return dberror.New(dberror.KindPermanent, dberror.CodeInvalidConfig, "max_active_transactions must be positive")
	}
	return nil
}
