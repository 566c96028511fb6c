package circuitd

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"pkt.systems/circuitd/internal/store"
	"pkt.systems/circuitd/internal/store/disk"
	"pkt.systems/circuitd/internal/store/memory"
)

func openStore(cfg Config) (store.Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("circuitd: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		return memory.New(), nil
	case "disk":
		dir := u.Path
		if u.Host != "" {
			// disk://relative/path parses the first segment as the host.
			dir = filepath.Join(u.Host, strings.TrimPrefix(u.Path, "/"))
		}
		if dir == "" {
			return nil, fmt.Errorf("circuitd: disk store requires a directory, e.g. disk:///var/lib/circuitd")
		}
		return disk.New(disk.Config{Dir: dir, Logger: cfg.Logger})
	default:
		return nil, fmt.Errorf("circuitd: unsupported store scheme %q", u.Scheme)
	}
}
