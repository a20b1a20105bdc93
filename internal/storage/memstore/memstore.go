// Package memstore is an in-memory storage.Provider. It backs tests and
// offline runs, and lets callers inject faults and count calls.
package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/google/uuid"
)

// Op names a provider primitive for hooks and call counts.
type Op string

const (
	OpListBuckets Op = "ListBuckets"
	OpList        Op = "ListPage"
	OpHead        Op = "HeadObject"
	OpGet         Op = "GetObject"
	OpPut         Op = "PutObject"
	OpDelete      Op = "DeleteObject"
	OpDeleteMany  Op = "DeleteObjects"
	OpCopy        Op = "CopyObject"
	OpCreateMPU   Op = "CreateMultipartUpload"
	OpUploadPart  Op = "UploadPart"
	OpCompleteMPU Op = "CompleteMultipartUpload"
	OpAbortMPU    Op = "AbortMultipartUpload"
	OpListParts   Op = "ListParts"
	OpPresign     Op = "PresignGet"
)

// Hook runs before every primitive; a non-nil error is returned as the
// result of the call. Hooks may block to hold a call in flight.
type Hook func(ctx context.Context, op Op, bucket, key string) error

type object struct {
	data    []byte
	modTime time.Time
	etag    string
}

type multipart struct {
	bucket string
	key    string
	parts  map[int32][]byte
}

// Store is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	buckets   map[string]map[string]*object
	created   map[string]time.Time
	uploads   map[string]*multipart
	calls     map[Op]int
	partCalls []int32
	hook      Hook
	now       func() time.Time
}

func New(buckets ...string) *Store {
	s := &Store{
		buckets: make(map[string]map[string]*object),
		created: make(map[string]time.Time),
		uploads: make(map[string]*multipart),
		calls:   make(map[Op]int),
		now:     time.Now,
	}
	for _, b := range buckets {
		s.CreateBucket(b)
	}
	return s
}

func (s *Store) CreateBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string]*object)
		s.created[name] = s.now()
	}
}

// SetHook installs h, replacing any previous hook.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// FailKeys makes op fail with err for the listed keys.
func (s *Store) FailKeys(op Op, err error, keys ...string) {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	s.SetHook(func(_ context.Context, o Op, _, key string) error {
		if o != op {
			return nil
		}
		if _, ok := set[key]; ok {
			return err
		}
		return nil
	})
}

// Calls reports how many times op ran (including failed calls).
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// UploadedPartNumbers lists every part number passed to UploadPart, in call order.
func (s *Store) UploadedPartNumbers() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int32(nil), s.partCalls...)
}

// ResetCalls zeroes the counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[Op]int)
	s.partCalls = nil
}

// Put stores data directly, bypassing hooks and counters.
func (s *Store) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(bucket, key, data)
}

// Get returns a copy of the stored data.
func (s *Store) Get(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// Keys lists the bucket's keys in order.
func (s *Store) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OpenUploads reports how many multipart uploads are live.
func (s *Store) OpenUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *Store) putLocked(bucket, key string, data []byte) {
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]*object)
		s.buckets[bucket] = b
		s.created[bucket] = s.now()
	}
	sum := md5.Sum(data)
	b[key] = &object{data: append([]byte(nil), data...), modTime: s.now(), etag: `"` + hex.EncodeToString(sum[:]) + `"`}
}

// enter counts the call and runs the hook outside the lock.
func (s *Store) enter(ctx context.Context, op Op, bucket, key string) error {
	s.mu.Lock()
	s.calls[op]++
	h := s.hook
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if h != nil {
		return h(ctx, op, bucket, key)
	}
	return nil
}

func (s *Store) bucketLocked(name string) (map[string]*object, error) {
	b, ok := s.buckets[name]
	if !ok {
		return nil, fmt.Errorf("%w: bucket %s", common.ErrNotFound, name)
	}
	return b, nil
}

func (s *Store) ListBuckets(ctx context.Context) ([]models.Bucket, error) {
	if err := s.enter(ctx, OpListBuckets, "", ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Bucket, 0, len(s.buckets))
	for name := range s.buckets {
		out = append(out, models.Bucket{Name: name, CreationDate: s.created[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListPage(ctx context.Context, bucket string, opts models.ListOptions) (models.ListPage, error) {
	if err := s.enter(ctx, OpList, bucket, opts.Prefix); err != nil {
		return models.ListPage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.bucketLocked(bucket)
	if err != nil {
		return models.ListPage{}, err
	}

	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	maxKeys := int(opts.MaxKeys)
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	page := models.ListPage{Objects: []models.StorageObject{}, Folders: []string{}}
	seenFolder := make(map[string]bool)
	n := 0
	for _, k := range keys {
		if opts.Cursor != "" && k <= opts.Cursor {
			continue
		}

		folder := ""
		if opts.Delimiter != "" {
			rest := k[len(opts.Prefix):]
			if i := strings.Index(rest, opts.Delimiter); i >= 0 {
				folder = opts.Prefix + rest[:i+len(opts.Delimiter)]
			}
		}
		if folder != "" && seenFolder[folder] {
			page.ContinuationToken = k
			continue
		}
		if n == maxKeys {
			page.Truncated = true
			break
		}
		if folder != "" {
			seenFolder[folder] = true
			page.Folders = append(page.Folders, folder)
			page.ContinuationToken = k
			n++
			continue
		}

		o := b[k]
		page.Objects = append(page.Objects, models.StorageObject{
			Key: k, Size: int64(len(o.data)), LastModified: o.modTime, ETag: o.etag,
		})
		page.ContinuationToken = k
		n++
	}
	if !page.Truncated {
		page.ContinuationToken = ""
	}
	return page, nil
}

func (s *Store) HeadObject(ctx context.Context, bucket, key string) (models.StorageObject, error) {
	if err := s.enter(ctx, OpHead, bucket, key); err != nil {
		return models.StorageObject{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return models.StorageObject{}, fmt.Errorf("%w: %s", common.ErrNotFound, key)
	}
	return models.StorageObject{Key: key, Size: int64(len(o.data)), LastModified: o.modTime, ETag: o.etag}, nil
}

func (s *Store) GetObject(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, int64, error) {
	if err := s.enter(ctx, OpGet, bucket, key); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", common.ErrNotFound, key)
	}
	size := int64(len(o.data))
	if offset > size {
		offset = size
	}
	data := append([]byte(nil), o.data[offset:]...)
	return io.NopCloser(bytes.NewReader(data)), size, nil
}

func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error {
	if err := s.enter(ctx, OpPut, bucket, key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("content length mismatch: declared %d, got %d", size, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.bucketLocked(bucket); err != nil {
		return err
	}
	s.putLocked(bucket, key, data)
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := s.enter(ctx, OpDelete, bucket, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.bucketLocked(bucket)
	if err != nil {
		return err
	}
	delete(b, key)
	return nil
}

// DeleteObjects runs the hook per key with OpDelete so per-key faults
// injected for single deletes apply to batches too.
func (s *Store) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]models.ItemError, error) {
	if err := s.enter(ctx, OpDeleteMany, bucket, ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	h := s.hook
	s.mu.Unlock()

	failed := []models.ItemError{}
	for _, k := range keys {
		if h != nil {
			if err := h(ctx, OpDelete, bucket, k); err != nil {
				failed = append(failed, models.ItemError{Key: k, Error: err.Error()})
				continue
			}
		}
		s.mu.Lock()
		delete(s.buckets[bucket], k)
		s.mu.Unlock()
	}
	return failed, nil
}

func (s *Store) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	if err := s.enter(ctx, OpCopy, bucket, srcKey); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][srcKey]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrNotFound, srcKey)
	}
	s.putLocked(bucket, dstKey, o.data)
	return nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	if err := s.enter(ctx, OpCreateMPU, bucket, key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.bucketLocked(bucket); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.uploads[id] = &multipart{bucket: bucket, key: key, parts: make(map[int32][]byte)}
	return id, nil
}

func partETag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (s *Store) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, data []byte) (string, error) {
	s.mu.Lock()
	s.partCalls = append(s.partCalls, partNumber)
	s.mu.Unlock()

	if err := s.enter(ctx, OpUploadPart, bucket, key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("%w: %s", common.ErrUploadSessionGone, uploadID)
	}
	u.parts[partNumber] = append([]byte(nil), data...)
	return partETag(data), nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.CompletedPart) error {
	if err := s.enter(ctx, OpCompleteMPU, bucket, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUploadSessionGone, uploadID)
	}

	var buf bytes.Buffer
	var prev int32
	for _, p := range parts {
		if p.PartNumber <= prev {
			return fmt.Errorf("parts not in ascending order at %d", p.PartNumber)
		}
		prev = p.PartNumber
		data, ok := u.parts[p.PartNumber]
		if !ok || partETag(data) != p.ETag {
			return fmt.Errorf("invalid part %d", p.PartNumber)
		}
		buf.Write(data)
	}
	s.putLocked(u.bucket, u.key, buf.Bytes())
	delete(s.uploads, uploadID)
	return nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := s.enter(ctx, OpAbortMPU, bucket, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[uploadID]; !ok {
		return fmt.Errorf("%w: %s", common.ErrUploadSessionGone, uploadID)
	}
	delete(s.uploads, uploadID)
	return nil
}

func (s *Store) ListParts(ctx context.Context, bucket, key, uploadID string) ([]models.CompletedPart, error) {
	if err := s.enter(ctx, OpListParts, bucket, key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUploadSessionGone, uploadID)
	}
	parts := make([]models.CompletedPart, 0, len(u.parts))
	for n, data := range u.parts {
		parts = append(parts, models.CompletedPart{PartNumber: n, ETag: partETag(data), Size: int64(len(data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *Store) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if err := s.enter(ctx, OpPresign, bucket, key); err != nil {
		return "", err
	}
	return fmt.Sprintf("mem://%s/%s?expires=%d", bucket, key, int64(expires.Seconds())), nil
}
