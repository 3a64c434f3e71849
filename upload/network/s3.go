package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/filetransit/go-uploadclient/upload/chunkplan"
	"github.com/filetransit/go-uploadclient/upload/transmit"
)

const numS3ControlRetries = 3

// S3Params configures the direct-to-bucket transport.
type S3Params struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string

	// EndpointURL overrides the S3 endpoint, for S3-compatible stores
	// (MinIO, R2). Path-style addressing is used when set.
	EndpointURL string
}

type s3Session struct {
	key         string
	totalChunks int
	etags       map[int32]string
	mu          sync.Mutex
}

// S3Transport implements Service directly against an S3 bucket using the
// multipart upload API: initialize maps to CreateMultipartUpload, chunks to
// UploadPart, finalize to CompleteMultipartUpload, and cancel to
// AbortMultipartUpload. Used when the assembly service hands out bucket
// coordinates instead of ingesting chunks itself.
type S3Transport struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	logger    log.Logger

	sessions map[string]*s3Session
	mu       sync.Mutex
}

// NewS3Transport creates an S3-backed Service implementation.
func NewS3Transport(ctx context.Context, params S3Params, logger log.Logger) (*S3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.EndpointURL != "" {
			o.BaseEndpoint = aws.String(params.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Transport{
		client:    client,
		bucket:    params.Bucket,
		keyPrefix: params.KeyPrefix,
		logger:    logger,
		sessions:  map[string]*s3Session{},
	}, nil
}

// InitializeUpload starts a multipart upload for the file.
func (t *S3Transport) InitializeUpload(ctx context.Context, params InitParams) (Session, error) {
	totalChunks, err := chunkplan.Count(params.TotalSize, params.ChunkSize)
	if err != nil {
		return Session{}, err
	}

	key := params.FileName
	if t.keyPrefix != "" {
		key = fmt.Sprintf("%s/%s", t.keyPrefix, params.FileName)
	}

	var uploadID string
	err = retry.Times(numS3ControlRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", unwrapS3Error(err)), ctx.Err() != nil
		}
		uploadID = *resp.UploadId
		return nil, true
	})
	if err != nil {
		return Session{}, err
	}

	t.mu.Lock()
	t.sessions[uploadID] = &s3Session{
		key:         key,
		totalChunks: totalChunks,
		etags:       map[int32]string{},
	}
	t.mu.Unlock()

	t.logger.Debugf("Started multipart upload %s for s3://%s/%s", uploadID, t.bucket, key)
	return Session{UploadID: uploadID, TotalChunks: totalChunks}, nil
}

// UploadChunk uploads one chunk as an S3 part. Part numbers are 1-based, so
// the chunk index shifts by one; the chunk digest travels as Content-MD5.
func (t *S3Transport) UploadChunk(ctx context.Context, uploadID string, payload transmit.Payload) (transmit.Receipt, error) {
	session, err := t.session(uploadID)
	if err != nil {
		return transmit.Receipt{}, err
	}

	contentMD5, err := hexDigestToContentMD5(payload.Hash)
	if err != nil {
		return transmit.Receipt{}, err
	}

	partNumber := int32(payload.Descriptor.Index + 1)
	resp, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(session.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(payload.Data),
		ContentLength: aws.Int64(int64(len(payload.Data))),
		ContentMD5:    aws.String(contentMD5),
	})
	if err != nil {
		return transmit.Receipt{}, fmt.Errorf("upload part %d: %w", partNumber, unwrapS3Error(err))
	}

	session.mu.Lock()
	session.etags[partNumber] = aws.ToString(resp.ETag)
	received := len(session.etags)
	session.mu.Unlock()

	return transmit.Receipt{
		ChunksReceived: received,
		Progress:       float64(received) / float64(session.totalChunks) * 100,
		Complete:       received == session.totalChunks,
	}, nil
}

// FinalizeUpload completes the multipart upload and tags the object with the
// whole-file digest. The returned payload carries the object coordinates.
func (t *S3Transport) FinalizeUpload(ctx context.Context, uploadID string, finalHash string) (json.RawMessage, error) {
	session, err := t.session(uploadID)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	if len(session.etags) != session.totalChunks {
		received := len(session.etags)
		session.mu.Unlock()
		return nil, fmt.Errorf("cannot finalize: %d of %d chunks received", received, session.totalChunks)
	}
	parts := make([]types.CompletedPart, 0, len(session.etags))
	for partNumber, etag := range session.etags {
		parts = append(parts, types.CompletedPart{
			PartNumber: aws.Int32(partNumber),
			ETag:       aws.String(etag),
		})
	}
	session.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	var completed *s3.CompleteMultipartUploadOutput
	err = retry.Times(numS3ControlRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		var err error
		completed, err = t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(t.bucket),
			Key:             aws.String(session.key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			return fmt.Errorf("complete multipart upload: %w", unwrapS3Error(err)), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	_, err = t.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(session.key),
		Tagging: &types.Tagging{
			TagSet: []types.Tag{{Key: aws.String("content-md5"), Value: aws.String(finalHash)}},
		},
	})
	if err != nil {
		t.logger.Warnf("Failed to tag object with content digest: %s", err)
	}

	t.dropSession(uploadID)

	payload, err := json.Marshal(map[string]string{
		"bucket":   t.bucket,
		"key":      session.key,
		"etag":     aws.ToString(completed.ETag),
		"location": aws.ToString(completed.Location),
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// CancelUpload aborts the multipart upload so S3 drops the stored parts.
func (t *S3Transport) CancelUpload(ctx context.Context, uploadID string) error {
	session, err := t.session(uploadID)
	if err != nil {
		return err
	}
	defer t.dropSession(uploadID)

	_, err = t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(session.key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", unwrapS3Error(err))
	}
	return nil
}

// PutWhole uploads a file in one call through the transfer manager. Sessions
// planned as a single chunk can take this path instead of the part protocol.
func (t *S3Transport) PutWhole(ctx context.Context, fileName string, body *bytes.Reader, size int64) error {
	key := fileName
	if t.keyPrefix != "" {
		key = fmt.Sprintf("%s/%s", t.keyPrefix, fileName)
	}

	uploader := manager.NewUploader(t.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("upload object: %w", unwrapS3Error(err))
	}
	return nil
}

func (t *S3Transport) session(uploadID string) (*s3Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[uploadID]
	if !ok {
		return nil, fmt.Errorf("unknown upload session: %s", uploadID)
	}
	return session, nil
}

func (t *S3Transport) dropSession(uploadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, uploadID)
}

// hexDigestToContentMD5 converts the wire-format hex digest to the base64
// form the S3 API expects in Content-MD5.
func hexDigestToContentMD5(hexDigest string) (string, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode chunk digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func unwrapS3Error(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		return fmt.Errorf("%s: %s", apiError.ErrorCode(), apiError.ErrorMessage())
	}
	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("No static AWS credentials provided, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
