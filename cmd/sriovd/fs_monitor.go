package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"sriov-emu/pkg/types"
)

const defaultDebounce = 200 * time.Millisecond

// fsMonitor applies writes to the control directory
type fsMonitor struct {
	watcher  *fsnotify.Watcher
	server   *server
	logger   *logrus.Logger
	stopCh   chan struct{}
	debounce time.Duration

	mu      sync.Mutex
	watched map[string]bool
	pending map[string]*time.Timer
}

// newFSMonitor creates a new file system monitor
func newFSMonitor(s *server) (*fsMonitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsMonitor{
		watcher:  watcher,
		server:   s,
		logger:   s.logger,
		stopCh:   make(chan struct{}),
		debounce: defaultDebounce,
		watched:  make(map[string]bool),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// start begins monitoring the control directory
func (fm *fsMonitor) start() error {
	root := fm.server.control.root
	fm.logger.WithField("control_dir", root).Info("Starting control directory monitoring")

	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := fm.watcher.Add(root); err != nil {
		return err
	}
	fm.watchDevices(fm.server.manager.Snapshot())

	go fm.processEvents()
	return nil
}

// stop stops the file system monitoring
func (fm *fsMonitor) stop() {
	fm.logger.Info("Stopping control directory monitoring")
	close(fm.stopCh)
	fm.watcher.Close()

	fm.mu.Lock()
	defer fm.mu.Unlock()
	for key, t := range fm.pending {
		t.Stop()
		delete(fm.pending, key)
	}
}

// watchDevices adds watches for device directories not yet watched
func (fm *fsMonitor) watchDevices(inv *types.Inventory) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	present := make(map[string]bool)
	for _, d := range inv.Devices {
		dir := fm.server.control.devicePath(d.Name)
		present[dir] = true
		if fm.watched[dir] {
			continue
		}
		if err := fm.watcher.Add(dir); err != nil {
			fm.logger.WithError(err).WithField("device", d.Name).Warn("failed to watch device")
			continue
		}
		fm.watched[dir] = true
		fm.logger.WithField("device", d.Name).Debug("added watch for device")
	}
	for dir := range fm.watched {
		if !present[dir] {
			_ = fm.watcher.Remove(dir)
			delete(fm.watched, dir)
		}
	}
}

// processEvents handles file system events
func (fm *fsMonitor) processEvents() {
	for {
		select {
		case event, ok := <-fm.watcher.Events:
			if !ok {
				return
			}
			fm.handleEvent(event)
		case err, ok := <-fm.watcher.Errors:
			if !ok {
				return
			}
			fm.logger.WithError(err).Error("file system monitor error")
		case <-fm.stopCh:
			return
		}
	}
}

// handleEvent schedules a control file write to be applied
func (fm *fsMonitor) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	rel, err := filepath.Rel(fm.server.control.root, event.Name)
	if err != nil {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 {
		return
	}
	device, file := parts[0], parts[1]
	if file != fileNumVFs && file != fileReset {
		return
	}

	// Debounce so a truncate followed by a write is applied once
	key := rel
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if t, ok := fm.pending[key]; ok {
		t.Stop()
	}
	fm.pending[key] = time.AfterFunc(fm.debounce, func() {
		fm.mu.Lock()
		delete(fm.pending, key)
		fm.mu.Unlock()
		fm.apply(device, file)
	})
}

// apply reads a control file and drives the device accordingly
func (fm *fsMonitor) apply(device, file string) {
	path := filepath.Join(fm.server.control.devicePath(device), file)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	value := strings.TrimSpace(string(data))
	if value == "" || fm.server.control.mirrored(path, string(data)) {
		return
	}
	log := fm.logger.WithFields(logrus.Fields{"device": device, "file": file, "value": value})

	switch file {
	case fileNumVFs:
		err = fm.applyNumVFs(device, value)
	case fileReset:
		err = fm.applyReset(device, value)
		// reset is a trigger, not a state
		if werr := os.WriteFile(path, nil, 0o644); werr != nil {
			log.WithError(werr).Warn("failed to clear reset file")
		}
	}
	if err != nil {
		log.WithError(err).Warn("control write rejected")
		// restore the files to the device's actual state
		fm.server.manager.Refresh()
		return
	}
	log.Info("control write applied")
}

func (fm *fsMonitor) applyNumVFs(device, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	d, err := fm.server.manager.Device(device)
	if err != nil {
		return err
	}
	current := d.NumVFs()
	switch {
	case n == current:
		return nil
	case n == 0:
		return fm.server.manager.Disable(device)
	default:
		return fm.server.manager.Enable(device, n)
	}
}

// applyReset accepts "1" or "pf" for a PF reset and "vf <index>" for a
// single VF.
func (fm *fsMonitor) applyReset(device, value string) error {
	fields := strings.Fields(value)
	switch {
	case len(fields) == 1 && (fields[0] == "1" || fields[0] == "pf"):
		return fm.server.manager.ResetPF(device)
	case len(fields) == 2 && fields[0] == "vf":
		i, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		return fm.server.manager.ResetVF(device, i)
	default:
		return strconv.ErrSyntax
	}
}
