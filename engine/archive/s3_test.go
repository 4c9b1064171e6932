package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/engine/execution"
)

type capturePutter struct {
	last *s3.PutObjectInput
	err  error
}

func (c *capturePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.last = in
	if c.err != nil {
		return nil, c.err
	}
	return &s3.PutObjectOutput{}, nil
}

func testArchiver(client objectPutter, prefix string) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: "diaflow-archive",
		prefix: prefix,
		log:    logger.New("error", "text"),
	}
}

func TestArchiveUploadsStateAsJSON(t *testing.T) {
	putter := &capturePutter{}
	a := testArchiver(putter, "executions")

	st := execution.NewState("exec-9", "diagram-3")
	st.StartedAt = time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)
	st.Status = execution.StatusCompleted

	require.NoError(t, a.Archive(context.Background(), st))
	require.NotNil(t, putter.last)

	assert.Equal(t, "diaflow-archive", *putter.last.Bucket)
	assert.Equal(t, "executions/diagram-3/2026-02-14/exec-9.json", *putter.last.Key)
	assert.Equal(t, "application/json", *putter.last.ContentType)

	body, err := io.ReadAll(putter.last.Body)
	require.NoError(t, err)
	var decoded execution.State
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, execution.ID("exec-9"), decoded.ID)
	assert.Equal(t, execution.StatusCompleted, decoded.Status)
}

func TestArchiveKeyWithoutPrefix(t *testing.T) {
	putter := &capturePutter{}
	a := testArchiver(putter, "")

	st := execution.NewState("exec-1", "d1")
	st.StartedAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, a.Archive(context.Background(), st))
	assert.Equal(t, "d1/2026-01-02/exec-1.json", *putter.last.Key)
}

func TestArchivePropagatesUploadFailure(t *testing.T) {
	putter := &capturePutter{err: errors.New("access denied")}
	a := testArchiver(putter, "executions")

	err := a.Archive(context.Background(), execution.NewState("exec-2", "d1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec-2")
	assert.Contains(t, err.Error(), "access denied")
}
