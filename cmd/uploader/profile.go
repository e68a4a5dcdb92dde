package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Profile holds connection and tuning settings that would otherwise be
// repeated on every invocation.
type Profile struct {
	Server       string        `yaml:"server"`
	Token        string        `yaml:"token"`
	ChunkSize    ByteSize      `yaml:"chunk_size"`
	MinChunkSize ByteSize      `yaml:"min_chunk_size"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
	Retry        RetryProfile  `yaml:"retry"`
}

type RetryProfile struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// loadProfile reads a YAML profile. An empty path yields the zero profile.
func loadProfile(path string) (Profile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Profile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	var profile Profile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&profile); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return profile, nil
}

// mergeFlags overlays every flag the user set explicitly on top of the
// profile.
func mergeFlags(profile Profile, fs *pflag.FlagSet, flags Profile) Profile {
	if fs.Changed("server") {
		profile.Server = flags.Server
	}
	if fs.Changed("token") {
		profile.Token = flags.Token
	}
	if fs.Changed("chunk-size") {
		profile.ChunkSize = flags.ChunkSize
	}
	if fs.Changed("min-chunk-size") {
		profile.MinChunkSize = flags.MinChunkSize
	}
	if fs.Changed("chunk-timeout") {
		profile.ChunkTimeout = flags.ChunkTimeout
	}
	if fs.Changed("retry-attempts") {
		profile.Retry.Attempts = flags.Retry.Attempts
	}
	if fs.Changed("retry-base-delay") {
		profile.Retry.BaseDelay = flags.Retry.BaseDelay
	}
	if fs.Changed("retry-max-delay") {
		profile.Retry.MaxDelay = flags.Retry.MaxDelay
	}
	return profile
}

// ByteSize is a byte count written either as a plain integer or with a
// binary suffix such as 512KiB or 4MiB.
type ByteSize int64

var byteSuffixes = []struct {
	suffix string
	scale  int64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
	{"B", 1},
}

func parseByteSize(raw string) (ByteSize, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, errors.New("empty size")
	}
	scale := int64(1)
	for _, s := range byteSuffixes {
		if strings.HasSuffix(strings.ToUpper(value), strings.ToUpper(s.suffix)) {
			value = strings.TrimSpace(value[:len(value)-len(s.suffix)])
			scale = s.scale
			break
		}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("size %q must not be negative", raw)
	}
	return ByteSize(n * scale), nil
}

func (b ByteSize) String() string {
	switch {
	case b >= 1<<20 && b%(1<<20) == 0:
		return strconv.FormatInt(int64(b)>>20, 10) + "MiB"
	case b >= 1<<10 && b%(1<<10) == 0:
		return strconv.FormatInt(int64(b)>>10, 10) + "KiB"
	default:
		return strconv.FormatInt(int64(b), 10)
	}
}

func (b *ByteSize) Set(raw string) error {
	parsed, err := parseByteSize(raw)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b *ByteSize) Type() string { return "size" }

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	return b.Set(node.Value)
}
