// Package messenger delivers batches of usage records to the accounting
// transport. Each Messenger owns its own connection and retry behavior.
package messenger

//go:generate mockgen -destination=mock/messenger.go -package=mock github.com/operator-framework/metering-extractor/pkg/messenger Messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/operator-framework/metering-extractor/pkg/extractor"
)

const (
	DirQueueName = "dirq"
	S3Name       = "s3"
	HTTPName     = "http"

	// OutgoingDir is the directory under the spool directory that the
	// directory queue writes to.
	OutgoingDir = "outgoing"

	DefaultRetries = 4
)

// Names lists the available messengers; the first is the default.
var Names = []string{DirQueueName, S3Name, HTTPName}

// Messenger delivers one batch of records. A nil error means the whole batch
// was accepted by the transport.
type Messenger interface {
	Push(ctx context.Context, records []extractor.UsageRecord) error
}

// Message is the envelope every transport sends.
type Message struct {
	ID      string                  `json:"id"`
	Site    string                  `json:"site,omitempty"`
	Tenant  string                  `json:"tenant,omitempty"`
	Created time.Time               `json:"created"`
	Records []extractor.UsageRecord `json:"records"`
}

type Options struct {
	Site string
	// SpoolDir is where the directory queue keeps its outgoing messages.
	SpoolDir string
	// URL is the destination of the s3 (s3://bucket/prefix) and http
	// messengers.
	URL     string
	Retries int
	Logger  log.FieldLogger
	Clock   clock.Clock
	Fs      afero.Fs
}

// New returns the messenger registered under name.
func New(name string, opts Options) (Messenger, error) {
	if opts.Logger == nil {
		opts.Logger = log.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	logger := opts.Logger.WithField("messenger", name)
	env := envelope{site: opts.Site, clock: opts.Clock, newID: uuid.NewString}

	switch name {
	case DirQueueName:
		if opts.SpoolDir == "" {
			return nil, fmt.Errorf("the %s messenger needs a spool directory", name)
		}
		return NewDirQueue(opts.Fs, filepath.Join(opts.SpoolDir, OutgoingDir), env, logger)
	case S3Name:
		return NewS3Messenger(opts.URL, env, logger)
	case HTTPName:
		return NewHTTPMessenger(opts.URL, opts.Retries, env, logger)
	default:
		return nil, fmt.Errorf("unsupported messenger %q, supported messengers are: %v", name, Names)
	}
}

// envelope builds Messages for the transports.
type envelope struct {
	site  string
	clock clock.Clock
	newID func() string
}

func (e envelope) wrap(records []extractor.UsageRecord) Message {
	msg := Message{
		ID:      e.newID(),
		Site:    e.site,
		Created: e.clock.Now().UTC(),
		Records: records,
	}
	if len(records) > 0 {
		msg.Tenant = records[0].Tenant
	}
	return msg
}

func (e envelope) encode(records []extractor.UsageRecord) (Message, []byte, error) {
	msg := e.wrap(records)
	data, err := json.Marshal(&msg)
	if err != nil {
		return msg, nil, fmt.Errorf("could not encode message %s: %w", msg.ID, err)
	}
	return msg, data, nil
}
