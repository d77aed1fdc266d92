package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// maxDeleteKeys is the DeleteObjects batch limit.
const maxDeleteKeys = 1000

type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Object struct {
	Key  string
	Size int64
}

type Store struct {
	api API
}

func New(api API) *Store {
	return &Store{api: api}
}

// List returns every object under prefix, in the order S3 lists them.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, Object{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 getobject s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, bucket, key, contentType string, data []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("s3 putobject s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and returns how many were
// deleted. An empty prefix is refused so a bucket is never wiped by mistake.
func (s *Store) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	if strings.Trim(prefix, "/") == "" {
		return 0, fmt.Errorf("refusing to delete empty prefix in bucket %s", bucket)
	}
	objs, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(objs); start += maxDeleteKeys {
		end := start + maxDeleteKeys
		if end > len(objs) {
			end = len(objs)
		}
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, o := range objs[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(o.Key)})
		}

		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{
				Objects: ids,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("s3 deleteobjects s3://%s/%s: %w", bucket, prefix, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return deleted, fmt.Errorf("s3 deleteobjects s3://%s/%s: %d keys failed, first %s: %s %s",
				bucket, prefix, len(out.Errors), aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message))
		}
		deleted += len(ids)
	}
	return deleted, nil
}
