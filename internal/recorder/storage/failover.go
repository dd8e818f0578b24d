package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

const noVolume = -1

// ManagerConfig holds the handoff timing.
type ManagerConfig struct {
	PollInterval   time.Duration // between mount point checks
	ReleaseSettle  time.Duration // after releasing the writer, before unmount
	MaxUnmountWait time.Duration // 0 waits forever
}

// HandoffHook runs after the writer is released and before the losing
// volume is unmounted.
type HandoffHook func(from, to Volume)

// Manager tracks which of the two volumes is active and moves the output
// between them. It is owned by the capture loop and not safe for
// concurrent use.
type Manager struct {
	volumes [2]Volume
	active  int
	mounter Mounter
	cfg     ManagerConfig
	sleep   func(ctx context.Context, d time.Duration) error
	hooks   []HandoffHook
	log     recorderlog.Logger

	handoffs uint64
}

// NewManager creates a manager with no active volume.
func NewManager(primary, secondary Volume, mounter Mounter, cfg ManagerConfig, log recorderlog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReleaseSettle < 0 {
		cfg.ReleaseSettle = 0
	}
	if primary.Name == "" {
		primary.Name = "primary"
	}
	if secondary.Name == "" {
		secondary.Name = "secondary"
	}
	if log == nil {
		log = recorderlog.L()
	}
	return &Manager{
		volumes: [2]Volume{primary, secondary},
		active:  noVolume,
		mounter: mounter,
		cfg:     cfg,
		sleep:   sleepContext,
		log:     log.Named("failover"),
	}
}

// SetSleeper replaces the wait used between polls.
func (m *Manager) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep != nil {
		m.sleep = sleep
	}
}

// OnHandoff registers a hook run during every handoff.
func (m *Manager) OnHandoff(h HandoffHook) {
	m.hooks = append(m.hooks, h)
}

// Reconcile checks both volumes, primary first, and adopts or hands off to
// any mounted volume that is not active. It returns the output session the
// caller should keep using: out itself, or nil when a handoff released it.
//
// A handoff releases out, waits for the release to settle, runs the handoff
// hooks, requests the unmount of the losing volume and polls until its mount
// point disappears. If MaxUnmountWait elapses first ErrUnmountTimeout is
// returned and the active volume is unchanged.
func (m *Manager) Reconcile(ctx context.Context, out *pipeline.Session) (*pipeline.Session, error) {
	for i, v := range m.volumes {
		if i == m.active || !m.mounter.Mounted(v) {
			continue
		}

		if m.active == noVolume {
			m.active = i
			m.log.Info("switching to volume", recorderlog.String("volume", v.Name),
				recorderlog.String("mount_point", v.MountPoint))
			continue
		}

		from := m.volumes[m.active]
		m.log.Info("switching to volume",
			recorderlog.String("volume", v.Name),
			recorderlog.String("from", from.Name))

		if out != nil {
			if err := out.Release(); err != nil {
				m.log.Warn("release before handoff failed", recorderlog.Error(err))
			}
			out = nil
			if err := m.sleep(ctx, m.cfg.ReleaseSettle); err != nil {
				return nil, err
			}
		}

		for _, h := range m.hooks {
			h(from, v)
		}

		if err := m.mounter.Unmount(from); err != nil {
			m.log.Warn("unmount request failed", recorderlog.String("device", from.Device), recorderlog.Error(err))
		}
		if err := m.waitUnmounted(ctx, from); err != nil {
			return nil, err
		}

		m.active = i
		m.handoffs++
		m.log.Info("handoff complete",
			recorderlog.String("volume", v.Name),
			recorderlog.Uint64("handoffs", m.handoffs))
	}
	return out, nil
}

func (m *Manager) waitUnmounted(ctx context.Context, v Volume) error {
	var waited time.Duration
	for m.mounter.Mounted(v) {
		if m.cfg.MaxUnmountWait > 0 && waited >= m.cfg.MaxUnmountWait {
			return fmt.Errorf("%w: %s after %s", ErrUnmountTimeout, v.MountPoint, waited)
		}
		if waited == 0 {
			m.log.Info("waiting for unmount", recorderlog.String("mount_point", v.MountPoint))
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
		waited += m.cfg.PollInterval
	}
	return nil
}

// WaitForVolume polls Reconcile until a volume is available or ctx ends.
func (m *Manager) WaitForVolume(ctx context.Context, out *pipeline.Session) (*pipeline.Session, error) {
	warned := false
	for {
		var err error
		if out, err = m.Reconcile(ctx, out); err != nil {
			return out, err
		}
		if m.Available() {
			return out, nil
		}
		if !warned {
			m.log.Warn(ErrNoVolume.Error(),
				recorderlog.String("primary", m.volumes[0].MountPoint),
				recorderlog.String("secondary", m.volumes[1].MountPoint))
			warned = true
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return out, err
		}
	}
}

// Active returns the active volume.
func (m *Manager) Active() (Volume, bool) {
	if m.active == noVolume {
		return Volume{}, false
	}
	return m.volumes[m.active], true
}

// Available reports whether the active volume is still mounted.
func (m *Manager) Available() bool {
	v, ok := m.Active()
	return ok && m.mounter.Mounted(v)
}

// Handoffs returns the number of completed handoffs.
func (m *Manager) Handoffs() uint64 { return m.handoffs }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
