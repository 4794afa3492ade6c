// Package config is a viper-backed layered settings loader for the SCR
// engine: defaults registered in code, overridden by a config file, in
// turn overridden by SCR_* environment variables — the precedence
// spec.md's "Environment & configuration" section states verbatim. It
// plays the role the teacher's weed/util config loader plays for
// seaweedfs, generalized from that repo's TOML-plus-search-path pattern
// to SCR's flatter, single-file config.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CopyType is the redundancy scheme a checkpoint descriptor uses, the
// tagged variant spec.md §9 asks the copy_type switch to become.
type CopyType string

const (
	CopyTypeLocal   CopyType = "LOCAL"
	CopyTypePartner CopyType = "PARTNER"
	CopyTypeXOR     CopyType = "XOR"
)

func parseCopyType(s string) (CopyType, error) {
	switch CopyType(strings.ToUpper(s)) {
	case CopyTypeLocal:
		return CopyTypeLocal, nil
	case CopyTypePartner:
		return CopyTypePartner, nil
	case CopyTypeXOR:
		return CopyTypeXOR, nil
	default:
		return "", errors.Errorf("config: unknown copy type %q (want LOCAL, PARTNER, or XOR)", s)
	}
}

// Config holds every scalar spec.md §6 lists, typed and resolved through
// the viper precedence chain (code default < config file < SCR_* env var).
type Config struct {
	Enable    bool
	Debug     int
	LogEnable bool

	UserName string
	JobID    string
	JobName  string

	CntlBase  string
	CacheBase string
	Prefix    string

	CacheSize    int
	CopyType     CopyType
	SetSize      int
	HopDistance  int
	HaltSeconds  int
	MPIBufSize   int
	FileBufSize  int

	Distribute     bool
	Fetch          bool
	Flush          int // checkpoints between flushes; 0 disables periodic flush
	FlushWidth     int
	FetchWidth     int
	FlushOnRestart bool
	GlobalRestart  bool

	FlushAsync        bool
	FlushAsyncBW      float64
	FlushAsyncPercent float64

	CRCOnCopy   bool
	CRCOnFlush  bool
	CRCOnDelete bool

	CheckpointInterval int
	CheckpointSeconds  int
	CheckpointOverhead float64

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enable", true)
	v.SetDefault("debug", 0)
	v.SetDefault("log_enable", true)

	v.SetDefault("user_name", os.Getenv("USER"))
	v.SetDefault("job_id", "")
	v.SetDefault("job_name", "")

	v.SetDefault("cntl_base", "/dev/shm")
	v.SetDefault("cache_base", "/dev/shm")
	v.SetDefault("prefix", ".")

	v.SetDefault("cache_size", 2)
	v.SetDefault("copy_type", string(CopyTypeXOR))
	v.SetDefault("set_size", 8)
	v.SetDefault("hop_distance", 1)
	v.SetDefault("halt_seconds", 0)
	v.SetDefault("mpi_buf_size", 1024*1024)
	v.SetDefault("file_buf_size", 1024*1024)

	v.SetDefault("distribute", true)
	v.SetDefault("fetch", true)
	v.SetDefault("flush", 10)
	v.SetDefault("flush_width", 32)
	v.SetDefault("fetch_width", 32)
	v.SetDefault("flush_on_restart", false)
	v.SetDefault("global_restart", false)

	v.SetDefault("flush_async", false)
	v.SetDefault("flush_async_bw", 0.0)
	v.SetDefault("flush_async_percent", 0.0)

	v.SetDefault("crc_on_copy", false)
	v.SetDefault("crc_on_flush", true)
	v.SetDefault("crc_on_delete", false)

	v.SetDefault("checkpoint_interval", 1)
	v.SetDefault("checkpoint_seconds", 0)
	v.SetDefault("checkpoint_overhead", 0.0)
}

// Load resolves a Config. configPath, if non-empty, is read as an
// additional file (any viper-supported format — YAML, TOML, INI); a
// missing file is not an error, matching the original's "config file is
// optional" behavior. flags, if non-nil, is bound so cmd/scrctl's pflag
// set can override anything the file or environment set (the "explicit
// overrides" layer sitting above env, per the usual CLI > env > file >
// default precedence viper encodes when BindPFlag is used after
// AutomaticEnv).
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "config: read %s", configPath)
			}
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "config: bind flags")
		}
	}

	copyType, err := parseCopyType(v.GetString("copy_type"))
	if err != nil {
		return nil, err
	}

	c := &Config{
		Enable:    v.GetBool("enable"),
		Debug:     v.GetInt("debug"),
		LogEnable: v.GetBool("log_enable"),

		UserName: v.GetString("user_name"),
		JobID:    v.GetString("job_id"),
		JobName:  v.GetString("job_name"),

		CntlBase:  v.GetString("cntl_base"),
		CacheBase: v.GetString("cache_base"),
		Prefix:    v.GetString("prefix"),

		CacheSize:   v.GetInt("cache_size"),
		CopyType:    copyType,
		SetSize:     v.GetInt("set_size"),
		HopDistance: v.GetInt("hop_distance"),
		HaltSeconds: v.GetInt("halt_seconds"),
		MPIBufSize:  v.GetInt("mpi_buf_size"),
		FileBufSize: v.GetInt("file_buf_size"),

		Distribute:     v.GetBool("distribute"),
		Fetch:          v.GetBool("fetch"),
		Flush:          v.GetInt("flush"),
		FlushWidth:     v.GetInt("flush_width"),
		FetchWidth:     v.GetInt("fetch_width"),
		FlushOnRestart: v.GetBool("flush_on_restart"),
		GlobalRestart:  v.GetBool("global_restart"),

		FlushAsync:        v.GetBool("flush_async"),
		FlushAsyncBW:      v.GetFloat64("flush_async_bw"),
		FlushAsyncPercent: v.GetFloat64("flush_async_percent"),

		CRCOnCopy:   v.GetBool("crc_on_copy"),
		CRCOnFlush:  v.GetBool("crc_on_flush"),
		CRCOnDelete: v.GetBool("crc_on_delete"),

		CheckpointInterval: v.GetInt("checkpoint_interval"),
		CheckpointSeconds:  v.GetInt("checkpoint_seconds"),
		CheckpointOverhead: v.GetFloat64("checkpoint_overhead"),

		v: v,
	}
	return c, nil
}

// ShouldFlush reports whether checkpointID falls on a periodic-flush
// boundary, per scr.c's "scr_checkpoint_id % scr_flush == 0" rule
// (original_source/src/scr.c around its SCR_Complete_checkpoint path).
// Flush == 0 disables periodic flushing entirely.
func (c *Config) ShouldFlush(checkpointID int) bool {
	if c.Flush <= 0 {
		return false
	}
	return checkpointID > 0 && checkpointID%c.Flush == 0
}
