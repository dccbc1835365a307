package watermark

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/afero"
)

// NewStore configures a store from a spool location. Plain paths and file://
// URLs keep the watermark on the local filesystem, s3://bucket/prefix keeps
// it in S3.
func NewStore(spool string, loc *time.Location) (Store, error) {
	u, err := url.Parse(spool)
	if err != nil {
		return nil, fmt.Errorf("a valid path, file:// or s3:// location must be given: %w", err)
	}

	switch u.Scheme {
	case "", "file":
		dir := spool
		if u.Scheme == "file" {
			dir = u.Path
		}
		store, err := NewFileStore(afero.NewOsFs(), dir, loc)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("no bucket given in '%s'", spool)
		}
		return NewS3Store(u.Host, u.Path, loc), nil
	default:
		return nil, fmt.Errorf("unknown scheme '%s' given, please provide a path, file:// or s3://", u.Scheme)
	}
}
