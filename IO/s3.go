package IO

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// S3Mirror copies run artifacts to bucket/prefix after they land locally.
type S3Mirror struct {
	Client s3iface.S3API
	Bucket string
	Prefix string
}

func NewS3Mirror(region, bucket, prefix string) (*S3Mirror, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create aws session")
	}
	return &S3Mirror{Client: s3.New(sess), Bucket: bucket, Prefix: prefix}, nil
}

func (m *S3Mirror) key(name string) string {
	return path.Join(m.Prefix, name)
}

func (m *S3Mirror) Upload(ctx context.Context, name string, data []byte) error {
	_, err := m.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.key(name)),
		Body:   bytes.NewReader(data),
	})
	return errors.Wrapf(err, "upload s3://%s/%s", m.Bucket, m.key(name))
}

// UploadFile mirrors a local file under its base name.
func (m *S3Mirror) UploadFile(ctx context.Context, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, "read artifact")
	}
	return m.Upload(ctx, filepath.Base(file), b)
}

// SaveHistory uploads history.json with the same layout as JSONHistoryStore.
func (m *S3Mirror) SaveHistory(ctx context.Context, rows [][4]float64) error {
	if rows == nil {
		rows = [][4]float64{}
	}
	b, err := json.Marshal(historyFile{History: rows})
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return m.Upload(ctx, "history.json", b)
}
