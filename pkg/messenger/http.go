package messenger

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"github.com/operator-framework/metering-extractor/pkg/extractor"
)

// HTTPMessenger POSTs every batch as JSON, retrying with backoff on
// connection errors and 5xx responses.
type HTTPMessenger struct {
	URL    string
	client *retryablehttp.Client
	env    envelope
	logger log.FieldLogger
}

var _ Messenger = &HTTPMessenger{}

func NewHTTPMessenger(url string, retries int, env envelope, logger log.FieldLogger) (*HTTPMessenger, error) {
	if url == "" {
		return nil, fmt.Errorf("the http messenger needs a URL")
	}
	if retries < 0 {
		retries = 0
	}
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.Logger = leveledLogger{logger}
	return &HTTPMessenger{
		URL:    url,
		client: client,
		env:    env,
		logger: logger,
	}, nil
}

func (m *HTTPMessenger) Push(ctx context.Context, records []extractor.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	msg, data, err := m.env.encode(records)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, m.URL, data)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", m.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-Id", msg.ID)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver message %s to %s: %w", msg.ID, m.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
		if readErr != nil {
			return fmt.Errorf("message %s rejected by %s with status %d, reading the response failed: %v", msg.ID, m.URL, resp.StatusCode, readErr)
		}
		return fmt.Errorf("message %s rejected by %s with status %d: %s", msg.ID, m.URL, resp.StatusCode, body)
	}
	m.logger.WithField("tenant", msg.Tenant).Debugf("delivered %d records to %s", len(records), m.URL)
	return nil
}

// leveledLogger adapts a logrus logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger log.FieldLogger
}

func (l leveledLogger) fields(keysAndValues []interface{}) log.FieldLogger {
	fields := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Info(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
