package store

import (
	"os"
	"path/filepath"
	"time"
)

// peerCacheMaxAge is how long a peer-cache file may go unwritten before the
// hourly reaper deletes it.
const peerCacheMaxAge = 30 * 24 * time.Hour

// ReapStalePeerCaches deletes peers.d/*.peer files whose modification time
// is older than 30 days, relative to now.
func (s *Store) ReapStalePeerCaches(now time.Time) (removed int, err error) {
	dir := filepath.Join(s.home, "peers.d")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".peer" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > peerCacheMaxAge {
			if rmErr := os.Remove(filepath.Join(dir, e.Name())); rmErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}
