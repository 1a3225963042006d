package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/metabinary-ltd/wipesentinel/internal/shell"
)

// Mount points whose backing disk must never be wiped.
var criticalMounts = []string{"/boot", "/home", "/etc", "/var", "/lib", "/root", "/opt", "/usr"}

type BlockDevice struct {
	Name       string        `json:"name"`
	KName      string        `json:"kname"`
	Path       string        `json:"path"`
	Size       any           `json:"size"`
	Type       string        `json:"type"`
	Tran       string        `json:"tran"`
	Model      string        `json:"model"`
	Serial     string        `json:"serial"`
	Mountpoint *string       `json:"mountpoint"`
	FSType     string        `json:"fstype"`
	Label      string        `json:"label"`
	Children   []BlockDevice `json:"children"`
}

type lsblkJSON struct {
	Blockdevices []BlockDevice `json:"blockdevices"`
}

// Candidate is a whole disk that may be inspected and wiped.
type Candidate struct {
	Name      string
	Path      string
	Model     string
	Serial    string
	Tran      string
	SizeBytes int64
}

type Mount struct {
	Device     string
	Mountpoint string
	Fstype     string
}

// MountLister returns the current mount table.
type MountLister func(ctx context.Context) ([]Mount, error)

type Service struct {
	logger     *slog.Logger
	lsblkPath  string
	umountPath string
	zpoolPath  string
	mounts     MountLister
}

func New(lsblkPath, umountPath, zpoolPath string, logger *slog.Logger) *Service {
	return &Service{
		logger:     logger,
		lsblkPath:  lsblkPath,
		umountPath: umountPath,
		zpoolPath:  zpoolPath,
		mounts:     SystemMounts,
	}
}

// WithMounts replaces the mount table source.
func (s *Service) WithMounts(m MountLister) *Service {
	s.mounts = m
	return s
}

// SystemMounts reads the mount table, pseudo filesystems included.
func SystemMounts(ctx context.Context) ([]Mount, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	res := make([]Mount, 0, len(parts))
	for _, p := range parts {
		res = append(res, Mount{Device: p.Device, Mountpoint: p.Mountpoint, Fstype: p.Fstype})
	}
	return res, nil
}

func (s *Service) tree(ctx context.Context, device string) ([]BlockDevice, error) {
	ctx, cancel := shell.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := []string{"-J", "-b", "-o", "NAME,KNAME,PATH,SIZE,TYPE,TRAN,MODEL,SERIAL,MOUNTPOINT,FSTYPE,LABEL"}
	if device != "" {
		args = append(args, device)
	}
	out, err := shell.Run(ctx, s.lsblkPath, args...)
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}
	return ParseLsblk([]byte(out))
}

func ParseLsblk(data []byte) ([]BlockDevice, error) {
	var tree lsblkJSON
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse lsblk: %w", err)
	}
	return tree.Blockdevices, nil
}

// Candidates lists whole disks currently attached.
func (s *Service) Candidates(ctx context.Context) ([]Candidate, error) {
	tree, err := s.tree(ctx, "")
	if err != nil {
		return nil, err
	}
	return candidatesFrom(tree), nil
}

func candidatesFrom(tree []BlockDevice) []Candidate {
	var res []Candidate
	for _, d := range tree {
		if d.Type != "disk" || skipName(d.Name) {
			continue
		}
		path := d.Path
		if path == "" {
			path = "/dev/" + d.Name
		}
		res = append(res, Candidate{
			Name:      d.Name,
			Path:      path,
			Model:     strings.TrimSpace(d.Model),
			Serial:    strings.TrimSpace(d.Serial),
			Tran:      d.Tran,
			SizeBytes: sizeToBytes(d.Size),
		})
	}
	return res
}

// basic filter: skip loop/ram/dm mapper devices and optical drives
func skipName(name string) bool {
	for _, p := range []string{"loop", "ram", "dm-", "zram", "sr"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func sizeToBytes(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// IgnoreSet returns the disks hosting system mount points or swap, keyed by
// disk name, with the reason each one was added.
func (s *Service) IgnoreSet(ctx context.Context) (map[string]string, error) {
	tree, err := s.tree(ctx, "")
	if err != nil {
		return nil, err
	}
	mounts, err := s.mounts(ctx)
	if err != nil {
		// lsblk mount points still cover the common case
		s.logger.Warn("mount table unavailable, relying on lsblk", "error", err)
	}
	pools := map[string][]string{}
	for _, pool := range criticalPools(mounts) {
		members, err := s.poolMembers(ctx, pool)
		if err != nil {
			s.logger.Warn("cannot list zfs pool members, falling back to lsblk labels", "pool", pool, "error", err)
			continue
		}
		pools[pool] = members
	}
	return SystemDisks(tree, mounts, pools, s.logger), nil
}

// SystemDisks computes the ignore set from the device tree and mount table.
// pools maps a zfs pool name to its member devices; pools missing from it are
// matched by the zfs_member labels lsblk reports.
func SystemDisks(tree []BlockDevice, mounts []Mount, pools map[string][]string, logger *slog.Logger) map[string]string {
	owner := map[string]string{}
	ignore := map[string]string{}
	// top-level disk -> labels of its zfs_member partitions
	zfsMembers := map[string][]string{}

	var walk func(top string, d BlockDevice)
	walk = func(top string, d BlockDevice) {
		for _, key := range []string{d.Name, d.KName, d.Path, "/dev/" + d.Name} {
			if key != "" {
				owner[key] = top
			}
		}
		if d.Mountpoint != nil {
			if reason, ok := critical(*d.Mountpoint, d.FSType); ok {
				ignore[top] = reason
			}
		} else if d.FSType == "swap" {
			ignore[top] = "swap"
		}
		if d.FSType == "zfs_member" {
			zfsMembers[top] = append(zfsMembers[top], d.Label)
		}
		for _, c := range d.Children {
			walk(top, c)
		}
	}
	for _, d := range tree {
		walk(d.Name, d)
	}

	for _, m := range mounts {
		reason, ok := critical(m.Mountpoint, m.Fstype)
		if !ok {
			continue
		}
		dev := m.Device
		if resolved, err := filepath.EvalSymlinks(dev); err == nil {
			dev = resolved
		}
		if top, ok := lookupOwner(owner, dev); ok {
			ignore[top] = reason
			continue
		}
		if m.Fstype != "zfs" {
			logger.Debug("mount source is not a block device", "device", m.Device, "mountpoint", m.Mountpoint)
			continue
		}
		pool := poolOf(m.Device)
		for _, top := range poolDisks(pool, pools, owner, zfsMembers) {
			ignore[top] = reason + " (zfs pool " + pool + ")"
		}
	}
	return ignore
}

func lookupOwner(owner map[string]string, dev string) (string, bool) {
	if top, ok := owner[dev]; ok {
		return top, true
	}
	top, ok := owner[strings.TrimPrefix(dev, "/dev/")]
	return top, ok
}

// poolDisks returns the top-level disks holding pool. Without a member list
// it matches zfs_member labels, and every zfs_member disk when none is
// labelled with the pool name.
func poolDisks(pool string, pools map[string][]string, owner map[string]string, zfsMembers map[string][]string) []string {
	var res []string
	if members, ok := pools[pool]; ok {
		for _, dev := range members {
			if resolved, err := filepath.EvalSymlinks(dev); err == nil {
				dev = resolved
			}
			if top, ok := lookupOwner(owner, dev); ok {
				res = append(res, top)
			}
		}
		if len(res) > 0 {
			return res
		}
	}
	for top, labels := range zfsMembers {
		for _, l := range labels {
			if l == pool {
				res = append(res, top)
				break
			}
		}
	}
	if len(res) > 0 {
		return res
	}
	for top := range zfsMembers {
		res = append(res, top)
	}
	return res
}

func critical(mountpoint, fstype string) (string, bool) {
	if fstype == "swap" || mountpoint == "[SWAP]" {
		return "swap", true
	}
	if mountpoint == "/" {
		return "mounted on /", true
	}
	for _, c := range criticalMounts {
		if mountpoint == c || strings.HasPrefix(mountpoint, c+"/") {
			return "mounted on " + c, true
		}
	}
	return "", false
}

// Filter drops candidates present in the ignore set or matching one of the
// operator supplied glob patterns. Dropped names are returned sorted.
func Filter(cands []Candidate, ignore map[string]string, patterns []string, logger *slog.Logger) ([]Candidate, []string) {
	var kept []Candidate
	var dropped []string
	for _, c := range cands {
		if reason, ok := ignore[c.Name]; ok {
			logger.Info("ignoring system drive", "device", c.Path, "reason", reason)
			dropped = append(dropped, c.Name)
			continue
		}
		if p, ok := matchAny(patterns, c); ok {
			logger.Info("ignoring drive by operator request", "device", c.Path, "pattern", p)
			dropped = append(dropped, c.Name)
			continue
		}
		kept = append(kept, c)
	}
	sort.Strings(dropped)
	return kept, dropped
}

func matchAny(patterns []string, c Candidate) (string, bool) {
	for _, pattern := range patterns {
		for _, v := range []string{c.Name, c.Path, c.Serial} {
			if v == "" {
				continue
			}
			if matched, _ := filepath.Match(pattern, v); matched {
				return pattern, true
			}
		}
	}
	return "", false
}

// Unmount unmounts every mounted partition of device.
func (s *Service) Unmount(ctx context.Context, device string) error {
	tree, err := s.tree(ctx, device)
	if err != nil {
		return err
	}
	for _, target := range mountedPaths(tree) {
		s.logger.Info("unmounting", "device", device, "partition", target)
		if _, err := shell.Run(ctx, s.umountPath, target); err != nil {
			return fmt.Errorf("unmount %s: %w", target, err)
		}
	}
	return nil
}

// mountedPaths lists mounted descendants deepest first so stacked mounts
// come off before their parents.
func mountedPaths(tree []BlockDevice) []string {
	var res []string
	var walk func(d BlockDevice)
	walk = func(d BlockDevice) {
		for _, c := range d.Children {
			walk(c)
		}
		if d.Mountpoint == nil || *d.Mountpoint == "" || *d.Mountpoint == "[SWAP]" {
			return
		}
		path := d.Path
		if path == "" {
			path = "/dev/" + d.Name
		}
		res = append(res, path)
	}
	for _, d := range tree {
		walk(d)
	}
	return res
}
