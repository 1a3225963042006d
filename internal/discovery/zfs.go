package discovery

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/metabinary-ltd/wipesentinel/internal/shell"
)

// vdev names zpool prints without -P
var shortDevice = regexp.MustCompile(`^(sd[a-z]+|vd[a-z]+|xvd[a-z]+|nvme\d+n\d+)(p?\d+)?$`)

// poolOf returns the pool of a dataset such as rpool/ROOT/ubuntu.
func poolOf(dataset string) string {
	pool, _, _ := strings.Cut(dataset, "/")
	return pool
}

// criticalPools lists the zfs pools backing a critical mount point.
func criticalPools(mounts []Mount) []string {
	seen := map[string]bool{}
	var res []string
	for _, m := range mounts {
		if m.Fstype != "zfs" || strings.HasPrefix(m.Device, "/dev/") {
			continue
		}
		if _, ok := critical(m.Mountpoint, m.Fstype); !ok {
			continue
		}
		pool := poolOf(m.Device)
		if pool == "" || seen[pool] {
			continue
		}
		seen[pool] = true
		res = append(res, pool)
	}
	sort.Strings(res)
	return res
}

func (s *Service) poolMembers(ctx context.Context, pool string) ([]string, error) {
	ctx, cancel := shell.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := shell.Run(ctx, s.zpoolPath, "status", "-P", "-L", pool)
	if err != nil {
		return nil, fmt.Errorf("zpool status %s: %w", pool, err)
	}
	members := parsePoolMembers(out)
	if len(members) == 0 {
		return nil, fmt.Errorf("zpool status %s: no member devices", pool)
	}
	s.logger.Debug("mapped pool devices", "pool", pool, "devices", members)
	return members, nil
}

// parsePoolMembers extracts leaf vdev paths from the config section of
// zpool status output.
func parsePoolMembers(out string) []string {
	var res []string
	seen := map[string]bool{}
	inConfig := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		switch {
		case len(fields) == 0:
			continue
		case fields[0] == "NAME":
			inConfig = true
			continue
		case strings.HasSuffix(fields[0], ":"):
			// "errors:" and other sections end the vdev tree
			inConfig = false
			continue
		case !inConfig:
			continue
		}
		dev := fields[0]
		if !strings.HasPrefix(dev, "/dev/") {
			if !shortDevice.MatchString(dev) {
				continue
			}
			dev = "/dev/" + dev
		}
		if !seen[dev] {
			seen[dev] = true
			res = append(res, dev)
		}
	}
	return res
}
