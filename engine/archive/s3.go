// Package archive copies pruned executions to object storage so the
// janitor can reclaim backend space without losing history.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flowmesh/diaflow/common/config"
	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/engine/execution"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each execution as one JSON object. Its Archive
// method satisfies the janitor prune hook, so an upload failure keeps
// the execution in the state backend for the next sweep.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
	log    *logger.Logger
}

// NewS3Archiver builds an archiver from the default AWS credential
// chain. Endpoint and UsePathStyle cover S3-compatible stores such as
// MinIO and R2.
func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig, log *logger.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	log.Info("execution archive enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log,
	}, nil
}

// Archive uploads the execution before the janitor deletes it.
func (a *S3Archiver) Archive(ctx context.Context, st *execution.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode execution %s for archive: %w", st.ID, err)
	}

	key := a.objectKey(st)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive execution %s to s3://%s/%s: %w", st.ID, a.bucket, key, err)
	}

	a.log.Debug("execution archived", "execution_id", st.ID, "key", key)
	return nil
}

// objectKey partitions objects by diagram and start date so bulk
// retrieval and lifecycle rules stay cheap.
func (a *S3Archiver) objectKey(st *execution.State) string {
	parts := []string{
		string(st.DiagramID),
		st.StartedAt.UTC().Format(time.DateOnly),
		string(st.ID) + ".json",
	}
	if a.prefix != "" {
		parts = append([]string{strings.Trim(a.prefix, "/")}, parts...)
	}
	return strings.Join(parts, "/")
}
