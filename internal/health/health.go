// Package health appends battery, memory and disk snapshots to plain log
// files so a headless recorder can be checked after the fact.
package health

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/camrecorder/internal/config"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
	"github.com/mikeyg42/camrecorder/internal/recorder/storage"
)

const mb = 1024 * 1024

// Battery is one power supply of type Battery.
type Battery struct {
	Name     string
	Capacity int // percent, -1 if unknown
	Status   string
}

// Memory is a system memory snapshot in bytes.
type Memory struct {
	Total   uint64
	Free    uint64
	Shared  uint64
	Buffers uint64
}

func (m Memory) Used() uint64 { return m.Total - m.Free - m.Buffers }

// Logger writes snapshots to the battery and memory logs.
type Logger struct {
	battery  *zap.Logger
	memory   *zap.Logger
	powerDir string
	log      recorderlog.Logger

	readMemory func() (Memory, error)
}

// New opens (appending) the battery and memory log files.
func New(cfg config.HealthConfig, log recorderlog.Logger) (*Logger, error) {
	if log == nil {
		log = recorderlog.L()
	}
	bat, err := fileLogger(cfg.BatteryLog)
	if err != nil {
		return nil, fmt.Errorf("battery log: %w", err)
	}
	mem, err := fileLogger(cfg.MemoryLog)
	if err != nil {
		_ = bat.Sync()
		return nil, fmt.Errorf("memory log: %w", err)
	}
	return &Logger{
		battery:    bat,
		memory:     mem,
		powerDir:   cfg.PowerSupplyDir,
		log:        log.Named("health"),
		readMemory: ReadMemory,
	}, nil
}

func fileLogger(path string) (*zap.Logger, error) {
	if path == "" {
		return zap.NewNop(), nil
	}
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.Sampling = nil
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.CallerKey = ""
	zc.EncoderConfig.StacktraceKey = ""
	zc.OutputPaths = []string{path}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// Snapshot logs battery and memory state and the free space under volumeDir.
func (l *Logger) Snapshot(volumeDir string) {
	batteries, err := ReadBatteries(l.powerDir)
	switch {
	case err != nil:
		l.battery.Warn("battery read failed", zap.Error(err))
	case len(batteries) == 0:
		l.battery.Info("no battery")
	}
	for _, b := range batteries {
		l.battery.Info("battery",
			zap.String("name", b.Name),
			zap.Int("capacity", b.Capacity),
			zap.String("status", b.Status))
	}

	if m, err := l.readMemory(); err != nil {
		l.memory.Warn("memory read failed", zap.Error(err))
	} else {
		l.memory.Info("Mem",
			zap.Uint64("total_mb", m.Total/mb),
			zap.Uint64("used_mb", m.Used()/mb),
			zap.Uint64("free_mb", m.Free/mb),
			zap.Uint64("shared_mb", m.Shared/mb),
			zap.Uint64("buffers_mb", m.Buffers/mb))
	}

	if volumeDir == "" {
		return
	}
	free, err := storage.FreeBytes(volumeDir)
	if err != nil {
		l.log.Warn("disk space check failed", recorderlog.Error(err))
		return
	}
	l.log.Info("Disk space check passed",
		recorderlog.String("volume", volumeDir),
		recorderlog.Uint64("available_mb", free/mb))
}

// Close flushes both log files.
func (l *Logger) Close() error {
	return errors.Join(ignoreSyncErr(l.battery.Sync()), ignoreSyncErr(l.memory.Sync()))
}

func ignoreSyncErr(err error) error {
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTTY) {
		return nil
	}
	return err
}

// ReadBatteries lists power supplies of type Battery under dir.
func ReadBatteries(dir string) ([]Battery, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Battery
	for _, e := range entries {
		base := filepath.Join(dir, e.Name())
		if readAttr(base, "type") != "Battery" {
			continue
		}
		b := Battery{Name: e.Name(), Capacity: -1, Status: readAttr(base, "status")}
		if v, err := strconv.Atoi(readAttr(base, "capacity")); err == nil {
			b.Capacity = v
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReadMemory reads system memory counters with sysinfo(2).
func ReadMemory() (Memory, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Memory{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return Memory{
		Total:   uint64(si.Totalram) * unit,
		Free:    uint64(si.Freeram) * unit,
		Shared:  uint64(si.Sharedram) * unit,
		Buffers: uint64(si.Bufferram) * unit,
	}, nil
}
