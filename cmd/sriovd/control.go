package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/renameio/v2"

	"sriov-emu/pkg/types"
)

// Control files laid out per device, sysfs style
const (
	fileNumVFs    = "sriov_numvfs"
	fileTotalVFs  = "sriov_totalvfs"
	fileOffset    = "sriov_offset"
	fileStride    = "sriov_stride"
	fileRoutingID = "routing_id"
	fileVariant   = "variant"
	fileReset     = "reset"
)

// controlDir mirrors the inventory as <root>/<device>/<file>. Writing
// sriov_numvfs or reset drives the device; everything else is read-only.
type controlDir struct {
	root string

	mu      sync.Mutex
	written map[string]string
}

func newControlDir(root string) *controlDir {
	return &controlDir{root: root, written: make(map[string]string)}
}

// mirrored reports whether data at path is the content sync last wrote
// there, so the monitor can tell its own writes from a user's.
func (c *controlDir) mirrored(path, data string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.written[path]
	return ok && v == data
}

func (c *controlDir) devicePath(name string) string {
	return filepath.Join(c.root, name)
}

// sync writes the files of every device in inv and removes directories
// of devices that are gone. Unchanged files are left alone.
func (c *controlDir) sync(inv *types.Inventory) error {
	if c.root == "" {
		return nil
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return err
	}

	present := make(map[string]bool)
	for _, d := range inv.Devices {
		present[d.Name] = true
		dir := c.devicePath(d.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		files := map[string]string{
			fileRoutingID: d.RoutingID,
			fileVariant:   d.Variant,
		}
		if d.SRIOVCapable {
			files[fileNumVFs] = strconv.Itoa(d.NumVFs)
			files[fileTotalVFs] = strconv.Itoa(d.TotalVFs)
			files[fileOffset] = strconv.Itoa(d.VFOffset)
			files[fileStride] = strconv.Itoa(d.VFStride)
		}
		for name, value := range files {
			if err := c.writeIfChanged(filepath.Join(dir, name), value+"\n"); err != nil {
				return err
			}
		}
		if _, err := os.Stat(filepath.Join(dir, fileReset)); os.IsNotExist(err) {
			if err := os.WriteFile(filepath.Join(dir, fileReset), nil, 0o644); err != nil {
				return err
			}
		}
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || present[e.Name()] {
			continue
		}
		// only directories this daemon created
		if _, err := os.Stat(filepath.Join(c.root, e.Name(), fileRoutingID)); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (c *controlDir) writeIfChanged(path, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, []byte(value)) {
		c.written[path] = value
		return nil
	}
	if err := renameio.WriteFile(path, []byte(value), 0o644); err != nil {
		return err
	}
	c.written[path] = value
	return nil
}
