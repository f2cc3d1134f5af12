package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	PutObjectFunc    func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObjectFunc    func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObjectFunc   func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObjectFunc func(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func (m *mockAPI) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.PutObjectFunc(ctx, params, optFns...)
}

func (m *mockAPI) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return m.GetObjectFunc(ctx, params, optFns...)
}

func (m *mockAPI) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return m.HeadObjectFunc(ctx, params, optFns...)
}

func (m *mockAPI) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return m.DeleteObjectFunc(ctx, params, optFns...)
}

const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestPutObject_SetsChecksumAndMetadata(t *testing.T) {
	var got *s3.PutObjectInput
	client := NewFromAPI(&mockAPI{
		PutObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			got = params
			return &s3.PutObjectOutput{}, nil
		},
	})

	err := client.PutObject(context.Background(), "bucket", "db/ratings.duckdb", strings.NewReader("hello"), 5, helloSHA, map[string]string{"codec": "raw"})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "bucket", aws.ToString(got.Bucket))
	assert.Equal(t, "db/ratings.duckdb", aws.ToString(got.Key))
	assert.Equal(t, int64(5), aws.ToInt64(got.ContentLength))
	assert.Equal(t, s3types.ChecksumAlgorithmSha256, got.ChecksumAlgorithm)
	assert.Equal(t, "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=", aws.ToString(got.ChecksumSHA256))
	assert.Equal(t, helloSHA, got.Metadata[MetadataSHA256])
	assert.Equal(t, "raw", got.Metadata["codec"])
}

func TestPutObject_CallerDigestMetadataWins(t *testing.T) {
	var got *s3.PutObjectInput
	client := NewFromAPI(&mockAPI{
		PutObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			got = params
			return &s3.PutObjectOutput{}, nil
		},
	})

	raw := strings.Repeat("a", 64)
	err := client.PutObject(context.Background(), "bucket", "k", strings.NewReader("hello"), 5, helloSHA, map[string]string{MetadataSHA256: raw})
	require.NoError(t, err)
	assert.Equal(t, raw, got.Metadata[MetadataSHA256])
	assert.Equal(t, "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=", aws.ToString(got.ChecksumSHA256))
}

func TestPutObject_RejectsBadDigest(t *testing.T) {
	client := NewFromAPI(&mockAPI{})
	err := client.PutObject(context.Background(), "b", "k", strings.NewReader("x"), 1, "not-hex", nil)
	require.Error(t, err)
}

func TestPutObjectIfAbsent(t *testing.T) {
	tests := []struct {
		name    string
		apiErr  error
		wantErr error
	}{
		{name: "created"},
		{
			name:    "precondition failed",
			apiErr:  &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"},
			wantErr: ErrPreconditionFailed,
		},
		{
			name:    "conditional conflict",
			apiErr:  &smithy.GenericAPIError{Code: "ConditionalRequestConflict"},
			wantErr: ErrPreconditionFailed,
		},
		{
			name:    "access denied",
			apiErr:  &smithy.GenericAPIError{Code: "AccessDenied"},
			wantErr: ErrAccessDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *s3.PutObjectInput
			client := NewFromAPI(&mockAPI{
				PutObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
					got = params
					if tt.apiErr != nil {
						return nil, tt.apiErr
					}
					return &s3.PutObjectOutput{}, nil
				},
			})

			err := client.PutObjectIfAbsent(context.Background(), "bucket", "db.lock", []byte(`{}`), nil)
			require.NotNil(t, got)
			assert.Equal(t, "*", aws.ToString(got.IfNoneMatch))
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHeadObject(t *testing.T) {
	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		client := NewFromAPI(&mockAPI{
			HeadObjectFunc: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
				return &s3.HeadObjectOutput{
					ContentLength: aws.Int64(42),
					LastModified:  aws.Time(modified),
					ETag:          aws.String(`"abc"`),
					Metadata:      map[string]string{"Sha256": helloSHA},
				}, nil
			},
		})

		info, err := client.HeadObject(context.Background(), "bucket", "key")
		require.NoError(t, err)
		assert.Equal(t, int64(42), info.Size)
		assert.Equal(t, modified, info.LastModified)
		assert.Equal(t, "abc", info.ETag)
		assert.Equal(t, helloSHA, info.Metadata[MetadataSHA256])
	})

	t.Run("not found", func(t *testing.T) {
		client := NewFromAPI(&mockAPI{
			HeadObjectFunc: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
				return nil, &s3types.NotFound{}
			},
		})

		_, err := client.HeadObject(context.Background(), "bucket", "key")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetObject_NoSuchKey(t *testing.T) {
	client := NewFromAPI(&mockAPI{
		GetObjectFunc: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, &s3types.NoSuchKey{}
		},
	})

	_, _, err := client.GetObject(context.Background(), "bucket", "key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetObject_StreamsBody(t *testing.T) {
	client := NewFromAPI(&mockAPI{
		GetObjectFunc: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{
				Body:          io.NopCloser(strings.NewReader("hello")),
				ContentLength: aws.Int64(5),
				Metadata:      map[string]string{"sha256": helloSHA},
			}, nil
		},
	})

	body, info, err := client.GetObject(context.Background(), "bucket", "key")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, helloSHA, info.Metadata[MetadataSHA256])
}

func TestDeleteObject_MissingIsNotAnError(t *testing.T) {
	client := NewFromAPI(&mockAPI{
		DeleteObjectFunc: func(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "NoSuchKey"}
		},
	})

	require.NoError(t, client.DeleteObject(context.Background(), "bucket", "key"))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(classify(&smithy.GenericAPIError{Code: "InvalidAccessKeyId"})))
	assert.False(t, IsPermanent(classify(&smithy.GenericAPIError{Code: "SlowDown"})))
	assert.False(t, IsPermanent(classify(errors.New("connection reset by peer"))))
}
