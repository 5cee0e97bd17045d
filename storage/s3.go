package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
)

const s3AllUsersURI = "http://acs.amazonaws.com/groups/global/AllUsers"

// S3Config configures an S3Provider.
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// Prefix is prepended to every bucket name, keeping account buckets apart
	// in the global S3 namespace.
	Prefix    string
	PathStyle bool
	// PartSize is the multipart upload part size; zero uses the SDK default.
	PartSize int64
}

// S3Provider implements StorageProvider on Amazon S3 or compatible services.
// Each space is one bucket; space metadata is kept in a hidden sentinel object.
type S3Provider struct {
	client      *s3.S3
	uploader    *s3manager.Uploader
	region      string
	prefix      string
	sums        *checksum.Util
	log         *slog.Logger
	locationURI string
}

var _ interfaces.StorageProvider = (*S3Provider)(nil)

// NewS3Provider creates an S3 provider. Without an access key the client uses
// the default AWS credential chain.
func NewS3Provider(cfg S3Config, log *slog.Logger) (*S3Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		log.Warn("No S3 credentials provided, falling back to the default credential chain")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	client := s3.New(sess)
	uploader := s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
	})

	uri := fmt.Sprintf("s3://%s/?region=%s", cfg.Endpoint, cfg.Region)
	if cfg.AccessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/?region=%s", cfg.AccessKey, cfg.Endpoint, cfg.Region)
	}
	if cfg.Prefix != "" {
		uri += "&prefix=" + url.QueryEscape(cfg.Prefix)
	}

	return &S3Provider{
		client:      client,
		uploader:    uploader,
		region:      cfg.Region,
		prefix:      normalizePrefix(cfg.Prefix),
		sums:        checksum.NewUtil(checksum.MD5),
		log:         log,
		locationURI: uri,
	}, nil
}

func (b *S3Provider) bucket(spaceID string) *string {
	return aws.String(containerName(b.prefix, spaceID))
}

// classifyS3Error maps aws-sdk-go failures onto the storage error taxonomy.
func classifyS3Error(op, spaceID, contentID string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket:
			return interfaces.NewSpaceNotFound(spaceID)
		case s3.ErrCodeNoSuchKey, "NotFound":
			if contentID == "" {
				return interfaces.NewSpaceNotFound(spaceID)
			}
			return interfaces.NewContentNotFound(spaceID, contentID)
		case s3.ErrCodeBucketAlreadyExists, s3.ErrCodeBucketAlreadyOwnedByYou:
			return interfaces.NewNoRetryError(op, spaceID, contentID, fmt.Errorf("%w: %v", interfaces.ErrSpaceAlreadyExists, err))
		}
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return interfaces.NewRetryError(op, spaceID, contentID, err)
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode() >= http.StatusInternalServerError || reqErr.StatusCode() == http.StatusTooManyRequests {
			return interfaces.NewRetryError(op, spaceID, contentID, err)
		}
		return interfaces.NewNoRetryError(op, spaceID, contentID, err)
	}
	return interfaces.NewRetryError(op, spaceID, contentID, err)
}

// contentError classifies err, telling a missing space apart from a missing
// object since S3 answers both with 404 on HEAD.
func (b *S3Provider) contentError(ctx context.Context, op, spaceID, contentID string, err error) error {
	classified := classifyS3Error(op, spaceID, contentID, err)
	if errors.Is(classified, interfaces.ErrContentNotFound) {
		if serr := b.requireSpace(ctx, spaceID); serr != nil {
			return serr
		}
	}
	return classified
}

func (b *S3Provider) requireSpace(ctx context.Context, spaceID string) error {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: b.bucket(spaceID)})
	if err != nil {
		return classifyS3Error("getSpace", spaceID, "", err)
	}
	return nil
}

func (b *S3Provider) readProps(ctx context.Context, spaceID string) (spaceProperties, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: b.bucket(spaceID),
		Key:    aws.String(spaceMetadataObject),
	})
	if err != nil {
		return spaceProperties{}, classifyS3Error("getSpaceMetadata", spaceID, "", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return spaceProperties{}, interfaces.NewRetryError("getSpaceMetadata", spaceID, "", err)
	}
	props, err := decodeSpaceProperties(data)
	if err != nil {
		return props, interfaces.NewNoRetryError("getSpaceMetadata", spaceID, "", err)
	}
	return props, nil
}

func (b *S3Provider) writeProps(ctx context.Context, spaceID string, props spaceProperties) error {
	data, err := encodeSpaceProperties(props)
	if err != nil {
		return interfaces.NewNoRetryError("setSpaceMetadata", spaceID, "", err)
	}
	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      b.bucket(spaceID),
		Key:         aws.String(spaceMetadataObject),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return classifyS3Error("setSpaceMetadata", spaceID, "", err)
	}
	return nil
}

func (b *S3Provider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	out, err := b.client.ListBucketsWithContext(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, classifyS3Error("getSpaces", "", "", err)
	}
	names := make([]string, 0, len(out.Buckets))
	for _, bucket := range out.Buckets {
		if spaceID, ok := spaceIDFromContainer(b.prefix, aws.StringValue(bucket.Name)); ok {
			names = append(names, spaceID)
		}
	}
	sort.Strings(names)
	return NewSliceIterator(names), nil
}

func (b *S3Provider) CreateSpace(ctx context.Context, spaceID string) error {
	start := time.Now()
	if err := ValidateSpaceID(spaceID); err != nil {
		return err
	}
	if err := b.requireSpace(ctx, spaceID); err == nil {
		return interfaces.NewNoRetryError("createSpace", spaceID, "", interfaces.ErrSpaceAlreadyExists)
	}

	input := &s3.CreateBucketInput{Bucket: b.bucket(spaceID)}
	if b.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(b.region),
		}
	}
	if _, err := b.client.CreateBucketWithContext(ctx, input); err != nil {
		b.log.Error("Failed to create S3 bucket",
			slog.String("bucket", aws.StringValue(input.Bucket)),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return classifyS3Error("createSpace", spaceID, "", err)
	}
	if err := b.client.WaitUntilBucketExistsWithContext(ctx, &s3.HeadBucketInput{Bucket: input.Bucket}); err != nil {
		return classifyS3Error("createSpace", spaceID, "", err)
	}

	err := b.writeProps(ctx, spaceID, spaceProperties{
		Created:  FormatDate(time.Now()),
		Access:   interfaces.AccessClosed.String(),
		Metadata: map[string]string{},
	})
	if err != nil {
		return err
	}
	b.log.Debug("Created S3 bucket",
		slog.String("bucket", aws.StringValue(input.Bucket)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (b *S3Provider) DeleteSpace(ctx context.Context, spaceID string) error {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return err
	}
	bucket := b.bucket(spaceID)

	var deleteErr error
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{Bucket: bucket},
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			if len(page.Contents) == 0 {
				return true
			}
			objects := make([]*s3.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
			}
			_, deleteErr = b.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: bucket,
				Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			return deleteErr == nil
		})
	if err == nil {
		err = deleteErr
	}
	if err != nil {
		return classifyS3Error("deleteSpace", spaceID, "", err)
	}

	if _, err := b.client.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{Bucket: bucket}); err != nil {
		return classifyS3Error("deleteSpace", spaceID, "", err)
	}
	return nil
}

func (b *S3Provider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	props, err := b.readProps(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	access, err := b.GetSpaceAccess(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	count, err := countContents(ctx, b, spaceID)
	if err != nil {
		return nil, err
	}
	return spaceMetadata(props.Metadata, props.Created, count, access), nil
}

func (b *S3Provider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
	user, access, created, err := splitSpaceMetadata(spaceID, metadata)
	if err != nil {
		return err
	}
	props, err := b.readProps(ctx, spaceID)
	if err != nil {
		return err
	}
	if created != "" {
		props.Created = created
	}
	props.Metadata = user
	if err := b.writeProps(ctx, spaceID, props); err != nil {
		return err
	}
	if access != nil {
		return b.SetSpaceAccess(ctx, spaceID, *access)
	}
	return nil
}

// GetSpaceAccess reports OPEN when the bucket ACL grants READ to all users.
func (b *S3Provider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	out, err := b.client.GetBucketAclWithContext(ctx, &s3.GetBucketAclInput{Bucket: b.bucket(spaceID)})
	if err != nil {
		return "", classifyS3Error("getSpaceAccess", spaceID, "", err)
	}
	for _, grant := range out.Grants {
		if grant.Grantee == nil || aws.StringValue(grant.Grantee.URI) != s3AllUsersURI {
			continue
		}
		switch aws.StringValue(grant.Permission) {
		case s3.PermissionRead, s3.PermissionFullControl:
			return interfaces.AccessOpen, nil
		}
	}
	return interfaces.AccessClosed, nil
}

func (b *S3Provider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	acl := s3.BucketCannedACLPrivate
	if access == interfaces.AccessOpen {
		acl = s3.BucketCannedACLPublicRead
	}
	_, err := b.client.PutBucketAclWithContext(ctx, &s3.PutBucketAclInput{
		Bucket: b.bucket(spaceID),
		ACL:    aws.String(acl),
	})
	if err != nil {
		return classifyS3Error("setSpaceAccess", spaceID, "", err)
	}
	return nil
}

func (b *S3Provider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	return chunkedIterator(b, spaceID, prefix), nil
}

// GetSpaceContentsChunked maps the marker onto ListObjectsV2 StartAfter and
// keeps paging while filtered sentinel keys leave a page short.
func (b *S3Provider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	limit := effectiveMaxResults(maxResults)
	ids := make([]string, 0, limit)
	startAfter := marker

	for len(ids) < limit {
		input := &s3.ListObjectsV2Input{
			Bucket:  b.bucket(spaceID),
			MaxKeys: aws.Int64(int64(limit - len(ids))),
		}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		if startAfter != "" {
			input.StartAfter = aws.String(startAfter)
		}
		out, err := b.client.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return nil, classifyS3Error("getSpaceContents", spaceID, "", err)
		}
		for _, obj := range out.Contents {
			key := aws.StringValue(obj.Key)
			startAfter = key
			if key != spaceMetadataObject {
				ids = append(ids, key)
			}
		}
		if !aws.BoolValue(out.IsTruncated) || len(out.Contents) == 0 {
			break
		}
	}
	return ids, nil
}

func (b *S3Provider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	start := time.Now()
	if err := ValidateContentID(spaceID, contentID); err != nil {
		return "", err
	}
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return "", err
	}

	userMeta := userContentMetadata(metadata)
	digest := checksum.NewDigestReader(content, b.sums.Algorithm())
	out, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      b.bucket(spaceID),
		Key:         aws.String(contentID),
		Body:        digest,
		ContentType: aws.String(defaultMimeType(mimeType)),
		Metadata:    aws.StringMap(userMeta),
	})
	if err != nil {
		b.log.Error("Failed to upload object to S3",
			slog.String("bucket", aws.StringValue(b.bucket(spaceID))),
			slog.String("key", contentID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return "", classifyS3Error("addContent", spaceID, contentID, err)
	}
	actual := digest.Checksum()

	etag := checksum.Normalize(aws.StringValue(out.ETag))
	if etag != "" && !strings.Contains(etag, "-") && !checksum.Equal(etag, actual) {
		// The backend stored different bytes than were sent.
		return "", interfaces.NewChecksumMismatch("addContent", spaceID, contentID, actual, etag)
	}
	if etag == "" || strings.Contains(etag, "-") {
		// Multipart ETags are not content digests; record ours.
		userMeta[interfaces.ContentChecksum] = actual
		if err := b.replaceMetadata(ctx, spaceID, contentID, defaultMimeType(mimeType), userMeta); err != nil {
			return "", err
		}
	}

	b.log.Debug("Stored content in S3",
		slog.String("bucket", aws.StringValue(b.bucket(spaceID))),
		slog.String("key", contentID),
		slog.Int64("size", digest.Count()),
		slog.Duration("duration", time.Since(start)))

	if expected != "" && !checksum.Equal(expected, actual) {
		return actual, interfaces.NewChecksumMismatch("addContent", spaceID, contentID, expected, actual)
	}
	return actual, nil
}

func (b *S3Provider) replaceMetadata(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string) error {
	bucket := b.bucket(spaceID)
	_, err := b.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:            bucket,
		Key:               aws.String(contentID),
		CopySource:        aws.String(aws.StringValue(bucket) + "/" + url.PathEscape(contentID)),
		ContentType:       aws.String(mimeType),
		Metadata:          aws.StringMap(metadata),
		MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
	})
	if err != nil {
		return b.contentError(ctx, "setContentMetadata", spaceID, contentID, err)
	}
	return nil
}

func (b *S3Provider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: b.bucket(spaceID),
		Key:    aws.String(contentID),
	})
	if err != nil {
		return nil, b.contentError(ctx, "getContent", spaceID, contentID, err)
	}
	return out.Body, nil
}

func (b *S3Provider) head(ctx context.Context, op, spaceID, contentID string) (*s3.HeadObjectOutput, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: b.bucket(spaceID),
		Key:    aws.String(contentID),
	})
	if err != nil {
		return nil, b.contentError(ctx, op, spaceID, contentID, err)
	}
	return out, nil
}

func (b *S3Provider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	out, err := b.head(ctx, "getContentMetadata", spaceID, contentID)
	if err != nil {
		return nil, err
	}
	user := normalizeKeys(aws.StringValueMap(out.Metadata))
	sum := user[interfaces.ContentChecksum]
	if sum == "" {
		sum = checksum.Normalize(aws.StringValue(out.ETag))
	}
	return contentMetadata(user, aws.StringValue(out.ContentType), aws.Int64Value(out.ContentLength),
		sum, aws.TimeValue(out.LastModified)), nil
}

func (b *S3Provider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	out, err := b.head(ctx, "setContentMetadata", spaceID, contentID)
	if err != nil {
		return err
	}
	mimeType := aws.StringValue(out.ContentType)
	if mt := normalizeKeys(metadata)[interfaces.ContentMimetype]; mt != "" {
		mimeType = mt
	}
	user := userContentMetadata(metadata)
	if sum, ok := normalizeKeys(aws.StringValueMap(out.Metadata))[interfaces.ContentChecksum]; ok {
		user[interfaces.ContentChecksum] = sum
	}
	return b.replaceMetadata(ctx, spaceID, contentID, defaultMimeType(mimeType), user)
}

// DeleteContent checks existence first; S3 deletes of missing keys succeed silently.
func (b *S3Provider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if _, err := b.head(ctx, "deleteContent", spaceID, contentID); err != nil {
		return err
	}
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: b.bucket(spaceID),
		Key:    aws.String(contentID),
	})
	if err != nil {
		return b.contentError(ctx, "deleteContent", spaceID, contentID, err)
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *S3Provider) Name() string {
	if b.prefix != "" {
		return fmt.Sprintf("s3-%s", strings.TrimSuffix(b.prefix, "-"))
	}
	return fmt.Sprintf("s3-%s", b.region)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Provider) LocationURI() string {
	return b.locationURI
}
