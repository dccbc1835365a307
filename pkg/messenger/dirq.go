package messenger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/operator-framework/metering-extractor/pkg/extractor"
)

var (
	// QueueDirPerms are the permissions the outgoing directory is created with.
	QueueDirPerms os.FileMode = 0755
	// MessagePerms are the permissions message files are written with.
	MessagePerms os.FileMode = 0644
)

// DirQueue spools each batch as a JSON file into a directory that a
// separate sender drains. File names sort in the order they were written.
type DirQueue struct {
	fs     afero.Fs
	dir    string
	env    envelope
	logger log.FieldLogger
}

var _ Messenger = &DirQueue{}

func NewDirQueue(fs afero.Fs, dir string, env envelope, logger log.FieldLogger) (*DirQueue, error) {
	if err := fs.MkdirAll(dir, QueueDirPerms); err != nil {
		return nil, fmt.Errorf("could not create outgoing directory '%s': %w", dir, err)
	}
	return &DirQueue{
		fs:     fs,
		dir:    dir,
		env:    env,
		logger: logger,
	}, nil
}

// Push writes the batch under a temporary name and renames it into place, so
// a sender never picks up a partial message. Empty batches are accepted
// without writing anything.
func (q *DirQueue) Push(ctx context.Context, records []extractor.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	msg, data, err := q.env.encode(records)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%020d-%s.json", msg.Created.UnixNano(), msg.ID)
	tmp := filepath.Join(q.dir, "."+name+".tmp")
	path := filepath.Join(q.dir, name)
	if err := afero.WriteFile(q.fs, tmp, data, MessagePerms); err != nil {
		return fmt.Errorf("failed to write message to '%s': %w", tmp, err)
	}
	if err := q.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move message into '%s': %w", path, err)
	}
	q.logger.WithField("tenant", msg.Tenant).Debugf("queued %d records as %s", len(records), path)
	return nil
}
