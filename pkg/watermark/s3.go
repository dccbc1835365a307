package watermark

import (
	"context"
	"fmt"
	"io/ioutil"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// NewS3Store configures an S3 client and returns a Store keeping the
// watermark in the object <prefix>/lastrun of bucket.
func NewS3Store(bucket, prefix string, loc *time.Location) *S3Store {
	awsSession := session.Must(session.NewSession())
	return newS3Store(s3.New(awsSession), bucket, prefix, loc)
}

func newS3Store(client s3iface.S3API, bucket, prefix string, loc *time.Location) *S3Store {
	return &S3Store{
		Bucket: bucket,
		Key:    path.Join(strings.TrimPrefix(prefix, "/"), Filename),
		s3:     client,
		loc:    loc,
	}
}

// S3Store is an S3 backed Store.
type S3Store struct {
	Bucket string
	Key    string
	s3     s3iface.S3API
	loc    *time.Location
}

// S3Store must implement the Store interface
var _ Store = &S3Store{}

func (s *S3Store) Get(ctx context.Context) (time.Time, error) {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return defaultIn(s.loc), nil
		}
		return time.Time{}, fmt.Errorf("failed to retrieve 's3://%s/%s': %w", s.Bucket, s.Key, err)
	}
	defer out.Body.Close()

	data, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read body from S3 response for 's3://%s/%s': %w", s.Bucket, s.Key, err)
	}
	return Parse(s.URL(), string(data), s.loc)
}

// Set overwrites the watermark object.
func (s *S3Store) Set(ctx context.Context, t time.Time) error {
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
		Body:   strings.NewReader(Format(t)),
	})
	if err != nil {
		return fmt.Errorf("failed to write watermark to '%s': %w", s.URL(), err)
	}
	return nil
}

// URL returns the s3:// location of the watermark object.
func (s *S3Store) URL() string {
	return fmt.Sprintf("s3://%s/%s", s.Bucket, s.Key)
}
