package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"localcloud/internal/api"
	"localcloud/internal/eventsource"
	"localcloud/internal/intrinsics"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const objSubsystem = "ObjectStore"

// metaDirName holds the metadata sidecars, mirroring the object tree.
const metaDirName = ".meta"

// ObjectMeta is the sidecar persisted next to each object body.
type ObjectMeta struct {
	ContentType  string            `json:"contentType"`
	UserMetadata map[string]string `json:"userMetadata,omitempty"`
	LastModified time.Time         `json:"lastModified"`
	ETag         string            `json:"etag"`
	Size         int64             `json:"size"`
}

// ObjectInfo is one listing entry.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Provider emulates the object-storage service on a plain file tree:
// object bodies at <data>/<bucket>/<key> with metadata sidecars under
// <data>/.meta/<bucket>/<key>.json.
type Provider struct {
	*provider.Base
	dataDir string

	mu sync.Mutex
	// notifications fans bucket events out to registered handlers, one
	// dispatcher per bucket.
	notifications map[string]*eventsource.Dispatcher
	buckets       map[string]struct{}
	declared      []string
}

func NewProvider(dataDir string, declared []string) *Provider {
	return &Provider{
		Base:          provider.NewBase("objectstore"),
		dataDir:       dataDir,
		declared:      declared,
		notifications: make(map[string]*eventsource.Dispatcher),
		buckets:       make(map[string]struct{}),
	}
}

// Notifications returns the event dispatcher for one bucket, creating it
// on first use so triggers can register before the bucket holds objects.
func (p *Provider) Notifications(bucket string) *eventsource.Dispatcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.notifications[bucket]
	if !ok {
		d = eventsource.NewDispatcher()
		p.notifications[bucket] = d
	}
	return d
}

func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create object data dir: %w", err)
		}
		// Adopt buckets already on disk from a previous run.
		entries, err := os.ReadDir(p.dataDir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() && e.Name() != metaDirName {
				p.buckets[e.Name()] = struct{}{}
			}
		}
		for _, name := range p.declared {
			if err := p.CreateBucket(name); err != nil && !api.IsConflict(err) {
				return err
			}
		}
		logging.Info(objSubsystem, "object store started with %d bucket(s)", len(p.buckets))
		return nil
	})
}

func (p *Provider) Stop(ctx context.Context) error {
	return p.RunStop(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		dispatchers := make([]*eventsource.Dispatcher, 0, len(p.notifications))
		for _, d := range p.notifications {
			dispatchers = append(dispatchers, d)
		}
		p.mu.Unlock()
		for _, d := range dispatchers {
			d.Drain()
		}
		return nil
	})
}

func (p *Provider) HealthCheck(ctx context.Context) bool {
	_, err := os.Stat(p.dataDir)
	return err == nil
}

// Reset removes every object and bucket directory.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name := range p.buckets {
		if err := os.RemoveAll(filepath.Join(p.dataDir, name)); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(p.dataDir, metaDirName, name)); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(p.dataDir, name), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) bucketExists(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.buckets[name]
	return ok
}

// CreateBucket makes the bucket directory.
func (p *Provider) CreateBucket(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return api.NewValidation("InvalidBucketName", "invalid bucket name %q", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.buckets[name]; exists {
		return api.NewConflict("bucket", name)
	}
	if err := os.MkdirAll(filepath.Join(p.dataDir, name), 0o755); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	p.buckets[name] = struct{}{}
	logging.Debug(objSubsystem, "bucket %s created", name)
	return nil
}

// DeleteBucket removes an empty bucket.
func (p *Provider) DeleteBucket(name string) error {
	if !p.bucketExists(name) {
		return api.NewNotFound("bucket", name)
	}
	objects, err := p.ListObjects(name, "", 1)
	if err != nil {
		return err
	}
	if len(objects) > 0 {
		return api.NewConflict("bucket", name)
	}
	p.mu.Lock()
	delete(p.buckets, name)
	p.mu.Unlock()
	os.RemoveAll(filepath.Join(p.dataDir, metaDirName, name))
	return os.RemoveAll(filepath.Join(p.dataDir, name))
}

// ListBuckets returns bucket names in sorted order.
func (p *Provider) ListBuckets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.buckets))
	for name := range p.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BucketArn returns the stand-in arn for a bucket.
func (p *Provider) BucketArn(name string) string {
	return fmt.Sprintf("arn:%s:s3:::%s", intrinsics.LocalPartition, name)
}

func (p *Provider) objectPath(bucket, key string) string {
	return filepath.Join(p.dataDir, bucket, filepath.FromSlash(key))
}

func (p *Provider) metaPath(bucket, key string) string {
	return filepath.Join(p.dataDir, metaDirName, bucket, filepath.FromSlash(key)+".json")
}

// validateKey rejects keys that would escape the bucket directory.
func validateKey(key string) error {
	if key == "" {
		return api.NewValidation("InvalidArgument", "object key must not be empty")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return api.NewValidation("InvalidArgument", "object key must not contain path traversal")
		}
	}
	return nil
}

// PutObject stores a body and its sidecar, then emits an ObjectCreated
// notification.
func (p *Provider) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string, userMeta map[string]string) (*ObjectMeta, error) {
	if !p.bucketExists(bucket) {
		return nil, api.NewNotFound("bucket", bucket)
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	path := p.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write object %s/%s: %w", bucket, key, err)
	}

	meta := &ObjectMeta{
		ContentType:  contentType,
		UserMetadata: userMeta,
		LastModified: time.Now().UTC(),
		ETag:         fmt.Sprintf("%x", md5.Sum(body)),
		Size:         int64(len(body)),
	}
	if err := p.writeMeta(bucket, key, meta); err != nil {
		return nil, err
	}

	p.emitNotification(ctx, "ObjectCreated:Put", bucket, key, meta.Size, meta.ETag)
	return meta, nil
}

func (p *Provider) writeMeta(bucket, key string, meta *ObjectMeta) error {
	path := p.metaPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return os.WriteFile(path, encoded, 0o644)
}

// GetObject returns the body and sidecar of one object.
func (p *Provider) GetObject(ctx context.Context, bucket, key string) ([]byte, *ObjectMeta, error) {
	meta, err := p.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	body, err := os.ReadFile(p.objectPath(bucket, key))
	if err != nil {
		return nil, nil, api.NewNotFound("object", bucket+"/"+key)
	}
	return body, meta, nil
}

// HeadObject returns the sidecar only.
func (p *Provider) HeadObject(ctx context.Context, bucket, key string) (*ObjectMeta, error) {
	if !p.bucketExists(bucket) {
		return nil, api.NewNotFound("bucket", bucket)
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p.metaPath(bucket, key))
	if err != nil {
		// Tolerate objects placed on disk without a sidecar.
		info, statErr := os.Stat(p.objectPath(bucket, key))
		if statErr != nil {
			return nil, api.NewNotFound("object", bucket+"/"+key)
		}
		return &ObjectMeta{
			ContentType:  "application/octet-stream",
			LastModified: info.ModTime().UTC(),
			Size:         info.Size(),
		}, nil
	}
	var meta ObjectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s/%s: %w", bucket, key, err)
	}
	return &meta, nil
}

// DeleteObject removes the body and sidecar, then emits an ObjectRemoved
// notification. Deleting an absent key succeeds silently.
func (p *Provider) DeleteObject(ctx context.Context, bucket, key string) error {
	if !p.bucketExists(bucket) {
		return api.NewNotFound("bucket", bucket)
	}
	if err := validateKey(key); err != nil {
		return err
	}
	path := p.objectPath(bucket, key)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	os.Remove(p.metaPath(bucket, key))

	p.emitNotification(ctx, "ObjectRemoved:Delete", bucket, key, 0, "")
	return nil
}

// CopyObject duplicates an object within or across buckets.
func (p *Provider) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*ObjectMeta, error) {
	body, meta, err := p.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	return p.PutObject(ctx, dstBucket, dstKey, body, meta.ContentType, meta.UserMetadata)
}

// ListObjects walks a bucket and returns entries whose key starts with
// prefix, sorted by key. max caps the result; zero means unlimited.
func (p *Provider) ListObjects(bucket, prefix string, max int) ([]ObjectInfo, error) {
	if !p.bucketExists(bucket) {
		return nil, api.NewNotFound("bucket", bucket)
	}
	root := filepath.Join(p.dataDir, bucket)
	var infos []ObjectInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()}
		if meta, metaErr := p.HeadObject(context.Background(), bucket, key); metaErr == nil {
			entry.ETag = meta.ETag
			entry.LastModified = meta.LastModified
		}
		infos = append(infos, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket %s: %w", bucket, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	if max > 0 && len(infos) > max {
		infos = infos[:max]
	}
	return infos, nil
}

// emitNotification dispatches one bucket event in the wire notification
// shape consumers expect.
func (p *Provider) emitNotification(ctx context.Context, eventType, bucket, key string, size int64, etag string) {
	payload, err := json.Marshal(map[string]interface{}{
		"Records": []map[string]interface{}{{
			"eventVersion": "2.1",
			"eventSource":  "aws:s3",
			"awsRegion":    intrinsics.LocalRegion,
			"eventTime":    time.Now().UTC().Format(time.RFC3339),
			"eventName":    eventType,
			"s3": map[string]interface{}{
				"bucket": map[string]interface{}{
					"name": bucket,
					"arn":  p.BucketArn(bucket),
				},
				"object": map[string]interface{}{
					"key":  key,
					"size": size,
					"eTag": etag,
				},
			},
		}},
	})
	if err != nil {
		logging.Error(objSubsystem, err, "failed to encode notification for %s/%s", bucket, key)
		return
	}
	p.Notifications(bucket).Dispatch(ctx, eventsource.Event{Type: eventType, Key: key, Payload: payload})
}
