package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for values the recorder cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Capture.Devices) == 0 {
		errs = append(errs, errors.New("capture.devices must list at least one device"))
	}

	if c.Storage.Primary.MountPoint == "" || c.Storage.Secondary.MountPoint == "" {
		errs = append(errs, errors.New("storage: both volumes need a mount point"))
	}
	if c.Storage.Primary.MountPoint == c.Storage.Secondary.MountPoint {
		errs = append(errs, fmt.Errorf("storage: primary and secondary share mount point %s", c.Storage.Primary.MountPoint))
	}
	if c.Storage.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("storage.poll_interval must be positive, got %s", c.Storage.PollInterval))
	}
	if c.Storage.MaxUnmountWait < 0 {
		errs = append(errs, errors.New("storage.max_unmount_wait must not be negative"))
	}

	switch c.Recording.Mode {
	case ModeContinuous, ModeMotionGated:
	default:
		errs = append(errs, fmt.Errorf("recording.mode %q is not one of %s, %s", c.Recording.Mode, ModeContinuous, ModeMotionGated))
	}
	if c.Recording.FPS <= 0 {
		errs = append(errs, fmt.Errorf("invalid frame rate: %v", c.Recording.FPS))
	}
	if len(c.Recording.FourCC) != 4 {
		errs = append(errs, fmt.Errorf("recording.fourcc must be four characters, got %q", c.Recording.FourCC))
	}

	if c.Buffer.Capacity <= 0 {
		errs = append(errs, errors.New("buffer.capacity must be positive"))
	}
	if c.Buffer.DrainQuota <= 0 {
		errs = append(errs, errors.New("buffer.drain_quota must be positive"))
	}

	if c.Motion.ThresholdFloor > c.Motion.ThresholdMax {
		errs = append(errs, fmt.Errorf("motion.threshold_floor %d exceeds threshold_max %d", c.Motion.ThresholdFloor, c.Motion.ThresholdMax))
	}
	if c.Motion.Threshold < c.Motion.ThresholdFloor || c.Motion.Threshold > c.Motion.ThresholdMax {
		errs = append(errs, fmt.Errorf("motion.threshold %d outside [%d, %d]", c.Motion.Threshold, c.Motion.ThresholdFloor, c.Motion.ThresholdMax))
	}
	if c.Motion.BlurKernel <= 0 || c.Motion.BlurKernel%2 == 0 {
		errs = append(errs, fmt.Errorf("motion.blur_kernel must be odd and positive, got %d", c.Motion.BlurKernel))
	}
	if c.Motion.Silence <= 0 {
		errs = append(errs, errors.New("motion.silence must be positive"))
	}

	if c.Maintenance.Interval <= 0 {
		errs = append(errs, errors.New("maintenance.interval must be positive"))
	}

	switch c.Display.Mode {
	case DisplayWindow, DisplayHeadless:
	default:
		errs = append(errs, fmt.Errorf("display.mode %q is not one of %s, %s", c.Display.Mode, DisplayWindow, DisplayHeadless))
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, errors.New("archive.endpoint is required when archive is enabled"))
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required when archive is enabled"))
		}
		if c.Archive.QueueSize <= 0 {
			errs = append(errs, errors.New("archive.queue_size must be positive"))
		}
	}
	if c.Catalog.Enabled && (c.Catalog.Host == "" || c.Catalog.Database == "") {
		errs = append(errs, errors.New("catalog.host and catalog.database are required when catalog is enabled"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
