// Package server assembles the storage engine: every component is
// constructed here, wired explicitly and torn down in reverse order.
// The Engine type is the instrumented operation surface callers go
// through; it enforces bucket policies and feeds the audit log and
// metrics on every call.
package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cofferfs/coffer/internal/audit"
	"github.com/cofferfs/coffer/internal/bucket"
	"github.com/cofferfs/coffer/internal/errdefs"
	"github.com/cofferfs/coffer/internal/metadata"
	"github.com/cofferfs/coffer/internal/metrics"
	"github.com/cofferfs/coffer/internal/multipart"
	"github.com/cofferfs/coffer/internal/object"
	"github.com/cofferfs/coffer/internal/policy"
)

// Engine is the policy-enforcing, audited front of the storage core.
type Engine struct {
	buckets   *bucket.Manager
	objects   *object.Manager
	multipart *multipart.Coordinator
	policies  *policy.Engine
	store     metadata.Store

	auditLog *audit.Log       // nil when auditing is disabled
	metrics  *metrics.Manager // nil when metrics are disabled
	logger   *logrus.Logger
}

// NewEngine wires an engine from its parts. auditLog and metricsMgr
// may be nil.
func NewEngine(
	buckets *bucket.Manager,
	objects *object.Manager,
	coordinator *multipart.Coordinator,
	policies *policy.Engine,
	store metadata.Store,
	auditLog *audit.Log,
	metricsMgr *metrics.Manager,
	logger *logrus.Logger,
) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		buckets:   buckets,
		objects:   objects,
		multipart: coordinator,
		policies:  policies,
		store:     store,
		auditLog:  auditLog,
		metrics:   metricsMgr,
		logger:    logger,
	}
}

// authorize checks the bucket's policy for the request. A bucket with
// no policy attached allows everything: policies are opt-in protection
// on a single-node engine.
func (e *Engine) authorize(ctx context.Context, principal, action, bucketName, key string) error {
	doc, err := e.buckets.GetPolicy(ctx, bucketName)
	if errors.Is(err, bucket.ErrNoPolicy) {
		return nil
	}
	if err != nil {
		return err
	}

	resource := bucketName
	if key != "" {
		resource = bucketName + "/" + key
	}
	return e.policies.Authorize(doc, policy.Request{
		Principal: principal,
		Action:    action,
		Resource:  resource,
	})
}

// observe records one finished operation in metrics and the audit log.
func (e *Engine) observe(ctx context.Context, principal, operation, bucketName, key string, start time.Time, bytes int64, err error) {
	status := audit.StatusOK
	if err != nil {
		status = errdefs.Classify(err).String()
	}
	elapsed := time.Since(start)

	if e.metrics != nil {
		e.metrics.ObserveOperation(operation, status, elapsed)
	}
	if e.auditLog != nil {
		entry := &audit.Entry{
			Principal:      principal,
			Operation:      operation,
			Bucket:         bucketName,
			Key:            key,
			Status:         status,
			Bytes:          bytes,
			DurationMicros: elapsed.Microseconds(),
		}
		if recordErr := e.auditLog.Record(ctx, entry); recordErr != nil {
			e.logger.WithError(recordErr).Warn("Failed to record audit entry")
		}
	}
}

// ==================== Bucket Operations ====================

// CreateBucket creates a bucket. Not policy-checked: there is no
// bucket to carry a policy yet.
func (e *Engine) CreateBucket(ctx context.Context, principal, name string) (*bucket.Info, error) {
	start := time.Now()
	info, err := e.buckets.Create(ctx, name)
	e.observe(ctx, principal, policy.ActionCreateBucket, name, "", start, 0, err)
	return info, err
}

// DeleteBucket removes an empty bucket.
func (e *Engine) DeleteBucket(ctx context.Context, principal, name string) error {
	start := time.Now()
	err := e.authorize(ctx, principal, policy.ActionDeleteBucket, name, "")
	if err == nil {
		err = e.buckets.Delete(ctx, name)
	}
	e.observe(ctx, principal, policy.ActionDeleteBucket, name, "", start, 0, err)
	return err
}

// ListBuckets lists all buckets. Administrative; not policy-checked.
func (e *Engine) ListBuckets(ctx context.Context, principal string) ([]*bucket.Info, error) {
	return e.buckets.List(ctx)
}

// HeadBucket returns bucket info.
func (e *Engine) HeadBucket(ctx context.Context, principal, name string) (*bucket.Info, error) {
	return e.buckets.Get(ctx, name)
}

// GetBucketVersioning returns the bucket's versioning mode.
func (e *Engine) GetBucketVersioning(ctx context.Context, principal, name string) (string, error) {
	if err := e.authorize(ctx, principal, policy.ActionGetBucketVersioning, name, ""); err != nil {
		return "", err
	}
	return e.buckets.GetVersioning(ctx, name)
}

// SetBucketVersioning switches the bucket's versioning mode.
func (e *Engine) SetBucketVersioning(ctx context.Context, principal, name, mode string) error {
	start := time.Now()
	err := e.authorize(ctx, principal, policy.ActionPutBucketVersioning, name, "")
	if err == nil {
		err = e.buckets.SetVersioning(ctx, name, mode)
	}
	e.observe(ctx, principal, policy.ActionPutBucketVersioning, name, "", start, 0, err)
	return err
}

// GetBucketPolicy returns the attached policy document.
func (e *Engine) GetBucketPolicy(ctx context.Context, principal, name string) (*policy.Document, error) {
	if err := e.authorize(ctx, principal, policy.ActionGetBucketPolicy, name, ""); err != nil {
		return nil, err
	}
	return e.buckets.GetPolicy(ctx, name)
}

// SetBucketPolicy attaches a policy document.
func (e *Engine) SetBucketPolicy(ctx context.Context, principal, name string, raw []byte) error {
	start := time.Now()
	err := e.authorize(ctx, principal, policy.ActionPutBucketPolicy, name, "")
	if err == nil {
		err = e.buckets.SetPolicy(ctx, name, raw)
	}
	e.observe(ctx, principal, policy.ActionPutBucketPolicy, name, "", start, 0, err)
	return err
}

// DeleteBucketPolicy detaches the bucket's policy.
func (e *Engine) DeleteBucketPolicy(ctx context.Context, principal, name string) error {
	start := time.Now()
	err := e.authorize(ctx, principal, policy.ActionPutBucketPolicy, name, "")
	if err == nil {
		err = e.buckets.DeletePolicy(ctx, name)
	}
	e.observe(ctx, principal, policy.ActionPutBucketPolicy, name, "", start, 0, err)
	return err
}

// ==================== Object Operations ====================

// PutObject stores a new object version.
func (e *Engine) PutObject(ctx context.Context, principal string, opts object.PutOptions, reader io.Reader) (*object.Info, error) {
	start := time.Now()
	var info *object.Info
	err := e.authorize(ctx, principal, policy.ActionPutObject, opts.Bucket, opts.Key)
	if err == nil {
		info, err = e.objects.Put(ctx, opts, reader)
	}
	var bytes int64
	if info != nil {
		bytes = info.Size
		if e.metrics != nil {
			e.metrics.AddBytesWritten(info.Size)
		}
	}
	e.observe(ctx, principal, policy.ActionPutObject, opts.Bucket, opts.Key, start, bytes, err)
	return info, err
}

// GetObject opens an object version for reading.
func (e *Engine) GetObject(ctx context.Context, principal, bucketName, key string, opts object.GetOptions) (*object.Info, io.ReadCloser, error) {
	start := time.Now()
	var info *object.Info
	var reader io.ReadCloser
	err := e.authorize(ctx, principal, policy.ActionGetObject, bucketName, key)
	if err == nil {
		info, reader, err = e.objects.Get(ctx, bucketName, key, opts)
	}
	var bytes int64
	if info != nil {
		bytes = info.Size
		if e.metrics != nil {
			e.metrics.AddBytesRead(info.Size)
		}
	}
	e.observe(ctx, principal, policy.ActionGetObject, bucketName, key, start, bytes, err)
	return info, reader, err
}

// HeadObject returns version metadata without the body.
func (e *Engine) HeadObject(ctx context.Context, principal, bucketName, key, versionID string) (*object.Info, error) {
	if err := e.authorize(ctx, principal, policy.ActionGetObject, bucketName, key); err != nil {
		return nil, err
	}
	return e.objects.Head(ctx, bucketName, key, versionID)
}

// DeleteObject deletes an object or writes a delete marker.
func (e *Engine) DeleteObject(ctx context.Context, principal, bucketName, key, versionID string) (*object.DeleteResult, error) {
	start := time.Now()
	var result *object.DeleteResult
	err := e.authorize(ctx, principal, policy.ActionDeleteObject, bucketName, key)
	if err == nil {
		result, err = e.objects.Delete(ctx, bucketName, key, versionID)
	}
	e.observe(ctx, principal, policy.ActionDeleteObject, bucketName, key, start, 0, err)
	return result, err
}

// ListObjects returns one page of live objects.
func (e *Engine) ListObjects(ctx context.Context, principal, bucketName, prefix, token string, maxKeys int) (*object.ListResult, error) {
	if err := e.authorize(ctx, principal, policy.ActionListBucket, bucketName, ""); err != nil {
		return nil, err
	}
	return e.objects.List(ctx, bucketName, prefix, token, maxKeys)
}

// ListObjectVersions returns one page of the version history.
func (e *Engine) ListObjectVersions(ctx context.Context, principal, bucketName, prefix, token string, maxKeys int) (*object.ListResult, error) {
	if err := e.authorize(ctx, principal, policy.ActionListBucketVersions, bucketName, ""); err != nil {
		return nil, err
	}
	return e.objects.ListVersions(ctx, bucketName, prefix, token, maxKeys)
}

// ==================== Multipart Operations ====================

// InitiateUpload opens a multipart session.
func (e *Engine) InitiateUpload(ctx context.Context, principal, bucketName, key, contentType string, userMeta map[string]string) (*multipart.Upload, error) {
	start := time.Now()
	var upload *multipart.Upload
	err := e.authorize(ctx, principal, policy.ActionPutObject, bucketName, key)
	if err == nil {
		upload, err = e.multipart.Initiate(ctx, bucketName, key, contentType, userMeta)
	}
	e.observe(ctx, principal, "multipart:Initiate", bucketName, key, start, 0, err)
	return upload, err
}

// UploadPart stores one part of a session.
func (e *Engine) UploadPart(ctx context.Context, principal, uploadID string, partNumber int, reader io.Reader) (*multipart.Part, error) {
	start := time.Now()
	upload, err := e.uploadSession(ctx, principal, uploadID)
	var part *multipart.Part
	if err == nil {
		part, err = e.multipart.UploadPart(ctx, uploadID, partNumber, reader)
	}
	var bucketName, key string
	if upload != nil {
		bucketName, key = upload.Bucket, upload.Key
	}
	var bytes int64
	if part != nil {
		bytes = part.Size
		if e.metrics != nil {
			e.metrics.AddBytesWritten(part.Size)
		}
	}
	e.observe(ctx, principal, "multipart:UploadPart", bucketName, key, start, bytes, err)
	return part, err
}

// uploadSession resolves a session and authorizes the principal to
// write its target key.
func (e *Engine) uploadSession(ctx context.Context, principal, uploadID string) (*metadata.UploadMetadata, error) {
	upload, err := e.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, principal, policy.ActionPutObject, upload.Bucket, upload.Key); err != nil {
		return upload, err
	}
	return upload, nil
}

// CompleteUpload assembles a session into an object version.
func (e *Engine) CompleteUpload(ctx context.Context, principal, uploadID string, manifest []multipart.CompletedPart) (*object.Info, error) {
	start := time.Now()
	upload, err := e.uploadSession(ctx, principal, uploadID)
	var info *object.Info
	if err == nil {
		info, err = e.multipart.Complete(ctx, uploadID, manifest)
	}
	var bucketName, key string
	if upload != nil {
		bucketName, key = upload.Bucket, upload.Key
	}
	var bytes int64
	if info != nil {
		bytes = info.Size
	}
	e.observe(ctx, principal, "multipart:Complete", bucketName, key, start, bytes, err)
	return info, err
}

// AbortUpload cancels a session.
func (e *Engine) AbortUpload(ctx context.Context, principal, uploadID string) error {
	start := time.Now()
	upload, err := e.store.GetUpload(ctx, uploadID)
	if err == nil {
		err = e.authorize(ctx, principal, policy.ActionAbortMultipartUpload, upload.Bucket, upload.Key)
	}
	if err == nil {
		err = e.multipart.Abort(ctx, uploadID)
	}
	var bucketName, key string
	if upload != nil {
		bucketName, key = upload.Bucket, upload.Key
	}
	e.observe(ctx, principal, "multipart:Abort", bucketName, key, start, 0, err)
	return err
}

// ListParts returns the parts of an active session.
func (e *Engine) ListParts(ctx context.Context, principal, uploadID string) ([]*multipart.Part, error) {
	upload, err := e.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, principal, policy.ActionListParts, upload.Bucket, upload.Key); err != nil {
		return nil, err
	}
	return e.multipart.ListParts(ctx, uploadID)
}

// ListUploads returns the bucket's active sessions.
func (e *Engine) ListUploads(ctx context.Context, principal, bucketName, prefix string, maxUploads int) ([]*multipart.Upload, error) {
	if err := e.authorize(ctx, principal, policy.ActionListMultipartUploads, bucketName, ""); err != nil {
		return nil, err
	}
	return e.multipart.ListUploads(ctx, bucketName, prefix, maxUploads)
}

// VerifyObjectIntegrity re-hashes stored bytes against the catalog.
func (e *Engine) VerifyObjectIntegrity(ctx context.Context, principal, bucketName, key, versionID string) error {
	if err := e.authorize(ctx, principal, policy.ActionGetObject, bucketName, key); err != nil {
		return err
	}
	return e.objects.VerifyIntegrity(ctx, bucketName, key, versionID)
}

// VerifyBucketIntegrity checks one page of a bucket's versions against
// the blob store.
func (e *Engine) VerifyBucketIntegrity(ctx context.Context, principal, bucketName, token string, maxKeys int) (*object.IntegrityReport, error) {
	if err := e.authorize(ctx, principal, policy.ActionListBucket, bucketName, ""); err != nil {
		return nil, err
	}
	return e.objects.VerifyBucket(ctx, bucketName, token, maxKeys)
}
