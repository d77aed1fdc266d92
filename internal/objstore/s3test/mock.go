// Package s3test provides an in-memory S3 for tests.
package s3test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func NewMockS3() *MockS3 {
	return &MockS3{
		buckets:  map[string]map[string][]byte{},
		PageSize: 1000,
	}
}

// MockS3 mimics an S3 blob store for testing. ListObjectsV2 pages through
// keys in lexical order, PageSize at a time.
type MockS3 struct {
	sync.RWMutex
	buckets  map[string]map[string][]byte
	PageSize int

	DeleteCalls int
}

func (m *MockS3) NewBucket(name string) {
	m.Lock()
	defer m.Unlock()
	m.buckets[name] = map[string][]byte{}
}

// Seed stores data without going through PutObject.
func (m *MockS3) Seed(bucket, key string, data []byte) {
	m.Lock()
	defer m.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = map[string][]byte{}
		m.buckets[bucket] = b
	}
	b[key] = data
}

// Keys returns the sorted keys of a bucket under prefix.
func (m *MockS3) Keys(bucket, prefix string) []string {
	m.RLock()
	defer m.RUnlock()
	var keys []string
	for k := range m.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MockS3) Object(bucket, key string) ([]byte, bool) {
	m.RLock()
	defer m.RUnlock()
	data, ok := m.buckets[bucket][key]
	return data, ok
}

func (m *MockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.Seed(aws.ToString(in.Bucket), aws.ToString(in.Key), data)
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.RLock()
	defer m.RUnlock()

	bucket, ok := m.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, fmt.Errorf("bucket '%s' does not exist", aws.ToString(in.Bucket))
	}
	data, ok := bucket[aws.ToString(in.Key)]
	if !ok {
		return nil, fmt.Errorf("key '%s' does not exist in bucket '%s'", aws.ToString(in.Key), aws.ToString(in.Bucket))
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *MockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.RLock()
	_, ok := m.buckets[aws.ToString(in.Bucket)]
	m.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bucket '%s' does not exist", aws.ToString(in.Bucket))
	}

	keys := m.Keys(aws.ToString(in.Bucket), aws.ToString(in.Prefix))
	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("bad continuation token %q", tok)
		}
		start = n
	}
	end := start + m.PageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{
		KeyCount: aws.Int32(int32(end - start)),
	}
	for _, k := range keys[start:end] {
		data, _ := m.Object(aws.ToString(in.Bucket), k)
		out.Contents = append(out.Contents, s3types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(data))),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	} else {
		out.IsTruncated = aws.Bool(false)
	}
	return out, nil
}

func (m *MockS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.Lock()
	defer m.Unlock()
	m.DeleteCalls++

	bucket, ok := m.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, fmt.Errorf("bucket '%s' does not exist", aws.ToString(in.Bucket))
	}
	out := &s3.DeleteObjectsOutput{}
	for _, id := range in.Delete.Objects {
		key := aws.ToString(id.Key)
		delete(bucket, key)
		out.Deleted = append(out.Deleted, s3types.DeletedObject{Key: aws.String(key)})
	}
	return out, nil
}
