// Package archive uploads raw session output to S3-compatible storage so
// results can be re-sanitized later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-units"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/privacy-extensions/privext/pkg/config"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPrefix is used when no key prefix is configured.
	DefaultPrefix = "raw"

	objectSuffix = ".json.snappy"
)

// Object is one session's raw output.
type Object struct {
	Experiment uuid.UUID
	Browser    string
	Extensions string
	Domain     string
	ID         uuid.UUID
	Stdout     []byte
}

// Archiver stores raw session output.
type Archiver interface {
	// Preflight verifies the bucket is reachable and writable.
	Preflight(ctx context.Context) error

	// Put compresses and uploads obj, returning its key.
	Put(ctx context.Context, obj *Object) (string, error)
}

// putter is the subset of the S3 client used here.
type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client putter
}

// Ensure interface compliance.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates an archiver for the configured bucket.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.S3Config) Archiver {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Archiver{
		log:    log.WithField("component", "archive"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// Preflight writes a small marker object.
func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("privext write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.prefix() + "/.privext-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

func (a *s3Archiver) Put(ctx context.Context, obj *Object) (string, error) {
	key := a.key(obj)
	body := Compress(obj.Stdout)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("snappy"),
		Metadata: map[string]string{
			"browser":    obj.Browser,
			"extensions": obj.Extensions,
			"domain":     obj.Domain,
		},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	a.log.WithFields(logrus.Fields{
		"key":        key,
		"raw":        units.HumanSize(float64(len(obj.Stdout))),
		"compressed": units.HumanSize(float64(len(body))),
	}).Debug("Archived session output")

	return key, nil
}

func (a *s3Archiver) prefix() string {
	prefix := a.cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return strings.TrimRight(prefix, "/")
}

// key builds prefix/experiment/browser/domain/id.json.snappy.
func (a *s3Archiver) key(obj *Object) string {
	return strings.Join([]string{
		a.prefix(),
		obj.Experiment.String(),
		obj.Browser,
		url.PathEscape(obj.Domain),
		obj.ID.String() + objectSuffix,
	}, "/")
}

// Compress encodes data in snappy block format.
func Compress(data []byte) []byte {
	return snappy.Encode(nil, data)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decoding snappy block: %w", err)
	}

	return out, nil
}
