package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spacedatanetwork/shardnet/internal/publish"
	"github.com/spacedatanetwork/shardnet/internal/shard"
)

// Outbox subdirectories for handled files.
const (
	outboxSent     = "sent"
	outboxRejected = "rejected"
)

// outbox publishes shard files dropped into a spool directory. A file is
// picked up once its modification time is older than settle, so writers
// still appending to it are left alone. Published files move to sent/,
// files that do not decode as a shard move to rejected/.
type outbox struct {
	dir     string
	settle  time.Duration
	publish func([]byte) (publish.Object, error)
}

// scan handles every settled file in the outbox, oldest first, and returns
// how many were published.
func (o *outbox) scan(now time.Time) (int, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return 0, err
	}

	type pending struct {
		name    string
		modTime time.Time
	}
	var files []pending
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < o.settle {
			continue
		}
		files = append(files, pending{name: entry.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	published := 0
	for _, f := range files {
		ok, err := o.handle(f.name)
		if err != nil {
			return published, err
		}
		if ok {
			published++
		}
	}
	return published, nil
}

func (o *outbox) handle(name string) (bool, error) {
	path := filepath.Join(o.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read outbox file %s: %w", name, err)
	}

	obj, err := o.publish(data)
	switch {
	case errors.Is(err, shard.ErrMalformed), errors.Is(err, publish.ErrEmptyObject):
		log.Warnf("Outbox file %s is not a shard: %v", name, err)
		return false, o.move(name, outboxRejected)
	case err != nil:
		return false, err
	}

	log.Debugf("Outbox file %s queued as %s", name, obj.Hash)
	return true, o.move(name, outboxSent)
}

func (o *outbox) move(name, sub string) error {
	dst := filepath.Join(o.dir, sub)
	if err := os.MkdirAll(dst, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if err := os.Rename(filepath.Join(o.dir, name), filepath.Join(dst, name)); err != nil {
		return fmt.Errorf("failed to move outbox file %s: %w", name, err)
	}
	return nil
}
