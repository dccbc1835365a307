package messenger

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	log "github.com/sirupsen/logrus"

	"github.com/operator-framework/metering-extractor/pkg/extractor"
)

// S3Messenger stores every batch as one object under
// <prefix>/<tenant>/<created-unix-nanos>-<id>.json.
type S3Messenger struct {
	Bucket string
	Prefix string
	s3     s3iface.S3API
	env    envelope
	logger log.FieldLogger
}

var _ Messenger = &S3Messenger{}

// NewS3Messenger configures an S3 client for a s3://bucket/prefix location.
func NewS3Messenger(location string, env envelope, logger log.FieldLogger) (*S3Messenger, error) {
	bucket, prefix, err := parseS3URL(location)
	if err != nil {
		return nil, err
	}
	awsSession := session.Must(session.NewSession())
	return newS3Messenger(s3.New(awsSession), bucket, prefix, env, logger), nil
}

func newS3Messenger(client s3iface.S3API, bucket, prefix string, env envelope, logger log.FieldLogger) *S3Messenger {
	return &S3Messenger{
		Bucket: bucket,
		Prefix: prefix,
		s3:     client,
		env:    env,
		logger: logger,
	}
}

func parseS3URL(location string) (bucket, prefix string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 location '%s': %w", location, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("the s3 messenger needs a s3://bucket/prefix location, got '%s'", location)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

func (m *S3Messenger) Push(ctx context.Context, records []extractor.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	msg, data, err := m.env.encode(records)
	if err != nil {
		return err
	}

	key := path.Join(m.Prefix, msg.Tenant, fmt.Sprintf("%d-%s.json", msg.Created.UnixNano(), msg.ID))
	_, err = m.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload message to 's3://%s/%s': %w", m.Bucket, key, err)
	}
	m.logger.WithField("tenant", msg.Tenant).Debugf("uploaded %d records to s3://%s/%s", len(records), m.Bucket, key)
	return nil
}
