package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fieldops/uplink/internal/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"
)

// Files a mounted device carries at its root.
const (
	DeviceFile  = "DEVICE.ini"
	SetupFile   = "SETUP.ini"
	CommandFile = "x8aCOMMAND.NCF"
)

// datasetIDLen is the length of the UUID following the first ';' of the
// Recording value in SETUP.ini.
const datasetIDLen = 36

// DirSource treats every directory directly under a mount root that holds a
// DEVICE.ini as an attached device. Only one device is served at a time.
type DirSource struct {
	root string
	// recheck is the interval of the fallback scan that catches events the
	// watcher missed.
	recheck time.Duration

	mu       sync.Mutex
	attached bool
}

// NewDirSource returns a source for devices mounted under root.
func NewDirSource(root string) *DirSource {
	return &DirSource{
		root:    root,
		recheck: 2 * time.Second,
	}
}

// SetRecheckInterval changes the fallback scan interval.
func (s *DirSource) SetRecheckInterval(d time.Duration) {
	s.recheck = d
}

// Attached reports whether the last probe found a device that has not been
// reported removed since.
func (s *DirSource) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *DirSource) setAttached(v bool) {
	s.mu.Lock()
	s.attached = v
	s.mu.Unlock()
}

// Probe scans the mount root once.
func (s *DirSource) Probe() (Handle, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.setAttached(false)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan %s: %w", s.root, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		mount := filepath.Join(s.root, e.Name())
		if fileExists(filepath.Join(mount, DeviceFile)) {
			log.Info().Str("mount", mount).Msg("A new device has been found")
			s.setAttached(true)
			return &dirDevice{source: s, mount: mount}, nil
		}
	}

	log.Debug().Str("root", s.root).Msg("No device found during the check")
	s.setAttached(false)
	return nil, nil
}

// AwaitInsertion watches the mount root until a device appears.
func (s *DirSource) AwaitInsertion(ctx context.Context) (Handle, error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mount root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.root); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", s.root, err)
	}

	log.Info().Str("root", s.root).Msg("Listening for device insertion")

	ticker := time.NewTicker(s.recheck)
	defer ticker.Stop()

	for {
		// Probe after the watch is in place so no insertion is missed.
		h, err := s.Probe()
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, errors.New("device watcher closed")
			}
			// A new mount directory may receive DEVICE.ini after its creation.
			if ev.Has(fsnotify.Create) && isDir(ev.Name) {
				_ = watcher.Add(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if ok {
				log.Warn().Err(err).Msg("Device watcher error")
			}
		case <-ticker.C:
		}
	}
}

// WatchRemoval reports the removal of h.
func (s *DirSource) WatchRemoval(ctx context.Context, h Handle) <-chan struct{} {
	removed := make(chan struct{}, 1)

	dev, ok := h.(*dirDevice)
	if !ok {
		close(removed)
		return removed
	}

	go func() {
		defer close(removed)

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Error().Err(err).Msg("Failed to create removal watcher, falling back to polling")
		} else {
			defer watcher.Close()
			for _, p := range []string{s.root, dev.mount} {
				if err := watcher.Add(p); err != nil {
					log.Warn().Err(err).Str("path", p).Msg("Failed to watch for removal")
				}
			}
			log.Info().Str("mount", dev.mount).Msg("Device removal listening started")
		}

		ticker := time.NewTicker(s.recheck)
		defer ticker.Stop()

		var events <-chan fsnotify.Event
		var errs <-chan error
		if watcher != nil {
			events, errs = watcher.Events, watcher.Errors
		}

		for {
			if !dev.present() {
				log.Info().Str("mount", dev.mount).Msg("Device has been removed")
				s.setAttached(false)
				removed <- struct{}{}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-events:
			case err := <-errs:
				if err != nil {
					log.Warn().Err(err).Msg("Removal watcher error")
				}
			case <-ticker.C:
			}
		}
	}()

	return removed
}

// OpenMount returns the device mounted at mount without scanning or
// watching its parent directory.
func OpenMount(mount string) (Handle, error) {
	if !fileExists(filepath.Join(mount, DeviceFile)) {
		return nil, fmt.Errorf("%w: no %s in %s", ErrNotAttached, DeviceFile, mount)
	}
	s := NewDirSource(filepath.Dir(mount))
	s.setAttached(true)
	return &dirDevice{source: s, mount: mount}, nil
}

// dirDevice is a device mounted at a directory.
type dirDevice struct {
	source *DirSource
	mount  string
}

func (d *dirDevice) present() bool {
	return fileExists(filepath.Join(d.mount, DeviceFile))
}

// Serial reads [DeviceInfo] SerialNumber from DEVICE.ini.
func (d *dirDevice) Serial() (string, error) {
	path := filepath.Join(d.mount, DeviceFile)
	cfg, err := ini.Load(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Could not read device information")
		return "", fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	serial := strings.TrimSpace(cfg.Section("DeviceInfo").Key("SerialNumber").String())
	if serial == "" {
		return "", fmt.Errorf("%w: no serial number in %s", ErrNotReady, DeviceFile)
	}
	return serial, nil
}

// DatasetID extracts the recording UUID from the sectionless Recording key
// of SETUP.ini, e.g. "Recording=PSG;0f8fad5b-d9cb-469f-a165-70867728950e".
func (d *dirDevice) DatasetID() (string, error) {
	path := filepath.Join(d.mount, SetupFile)
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Could not read recording setup")
		return "", fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	value := cfg.Section(ini.DefaultSection).Key("Recording").String()
	i := strings.Index(value, ";")
	if i < 0 || len(value) < i+1+datasetIDLen {
		log.Error().Str("value", value).Msg("Invalid format in recording value")
		return "", fmt.Errorf("%w: malformed Recording value in %s", ErrNotReady, SetupFile)
	}
	return value[i+1 : i+1+datasetIDLen], nil
}

// MeasuredFiles returns every regular file on the device in walk order,
// which is lexical within each directory.
func (d *dirDevice) MeasuredFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(d.mount, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("mount", d.mount).Msg("Unable to retrieve device files")
		return nil, fmt.Errorf("failed to list device files: %w", err)
	}
	return files, nil
}

// ApplyCommand writes command to the device command file.
func (d *dirDevice) ApplyCommand(command string) error {
	if !d.source.Attached() {
		return ErrNotAttached
	}

	path := filepath.Join(d.mount, CommandFile)
	if err := os.WriteFile(path, []byte(command), 0644); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to write clock/scheduling command")
		return fmt.Errorf("failed to write command file: %w", err)
	}
	log.Info().Str("command", command).Msg("Applied device command")
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
