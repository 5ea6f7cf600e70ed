package log

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Clock supplies timestamps for appended messages. Injectable so tests can
// drive a clock that stalls or moves backward.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// FsyncPolicy selects when flushed batches are forced to stable storage.
type FsyncPolicy int

const (
	// FsyncPerBatch syncs the log and index after every flushed batch.
	FsyncPerBatch FsyncPolicy = iota
	// FsyncInterval syncs at most once per configured interval; batches in
	// between reach the OS page cache only.
	FsyncInterval
	// FsyncNever leaves syncing to the OS and to explicit Flush calls.
	FsyncNever
)

// FsyncMode is the parsed form of the fsync_mode option: "per_batch",
// "never", or "interval:<ms>".
type FsyncMode struct {
	Policy   FsyncPolicy
	Interval time.Duration
}

// ParseFsyncMode parses the textual fsync_mode option.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch {
	case s == "" || s == "per_batch":
		return FsyncMode{Policy: FsyncPerBatch}, nil
	case s == "never":
		return FsyncMode{Policy: FsyncNever}, nil
	case strings.HasPrefix(s, "interval:"):
		ms, err := strconv.Atoi(strings.TrimPrefix(s, "interval:"))
		if err != nil || ms <= 0 {
			return FsyncMode{}, fmt.Errorf("invalid fsync interval %q", s)
		}
		return FsyncMode{Policy: FsyncInterval, Interval: time.Duration(ms) * time.Millisecond}, nil
	default:
		return FsyncMode{}, fmt.Errorf("unknown fsync_mode %q", s)
	}
}

func (m FsyncMode) String() string {
	switch m.Policy {
	case FsyncNever:
		return "never"
	case FsyncInterval:
		return fmt.Sprintf("interval:%d", m.Interval.Milliseconds())
	default:
		return "per_batch"
	}
}

func (m FsyncMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

func (m *FsyncMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseFsyncMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Config bundles the recognized options of a partition log. The zero value is
// usable: Open applies defaults for anything unset.
type Config struct {
	// SegmentMaxBytes is the seal threshold. A segment whose size reaches it
	// after a flush is sealed and a fresh active segment rolled.
	SegmentMaxBytes int64 `yaml:"segment_max_bytes"`

	// IndexStrideBytes approximates bytes of log data per index entry. One
	// entry is emitted per flushed batch, so the stride acts through batch
	// sizing; it also fixes the index file's preallocated capacity.
	IndexStrideBytes int64 `yaml:"index_stride_bytes"`

	// BatchMaxBytes and BatchMaxMessages bound the accumulator.
	BatchMaxBytes    int `yaml:"batch_max_bytes"`
	BatchMaxMessages int `yaml:"batch_max_messages"`

	// Fsync selects the durability policy applied at flush time.
	Fsync FsyncMode `yaml:"fsync_mode"`

	// Preallocate sparse-extends new segment log files to SegmentMaxBytes at
	// creation.
	Preallocate bool `yaml:"preallocate"`

	Clock  Clock       `yaml:"-"`
	Logger *zap.Logger `yaml:"-"`
}

const (
	defaultSegmentMaxBytes  = 1 << 30 // 1 GiB
	defaultIndexStrideBytes = 4 << 10 // 4 KiB
	defaultBatchMaxBytes    = 1 << 20 // 1 MiB
	defaultBatchMaxMessages = 1024
)

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.IndexStrideBytes == 0 {
		c.IndexStrideBytes = defaultIndexStrideBytes
	}
	if c.BatchMaxBytes == 0 {
		c.BatchMaxBytes = defaultBatchMaxBytes
	}
	if c.BatchMaxMessages == 0 {
		c.BatchMaxMessages = defaultBatchMaxMessages
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// maxIndexEntries is the preallocated capacity of a segment's index file.
func (c Config) maxIndexEntries() int {
	return int(c.SegmentMaxBytes/c.IndexStrideBytes) + 1
}

// validate rejects configurations the on-disk format cannot represent.
// Index positions are 32-bit, and a segment may overshoot its size bound by
// up to one batch before sealing, so that sum must stay addressable.
func (c Config) validate() error {
	if c.SegmentMaxBytes < 0 || c.IndexStrideBytes <= 0 || c.BatchMaxBytes < 0 || c.BatchMaxMessages < 0 {
		return fmt.Errorf("negative size bound in config")
	}
	if c.SegmentMaxBytes+int64(c.BatchMaxBytes) > math.MaxUint32 {
		return fmt.Errorf("segment_max_bytes %d plus batch_max_bytes %d exceeds the 32-bit index position range",
			c.SegmentMaxBytes, c.BatchMaxBytes)
	}
	return nil
}

// LoadConfig reads a YAML config file. Unset fields fall back to defaults at
// Open.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}
