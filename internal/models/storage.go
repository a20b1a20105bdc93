// Package models defines the value types shared by bucketkeeper's storage,
// cache, transfer and upload layers.
package models

import (
	"strings"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
)

// ProviderKind tags which storage backend a config addresses.
type ProviderKind string

const (
	ProviderR2     ProviderKind = "r2"
	ProviderAWS    ProviderKind = "aws"
	ProviderMinIO  ProviderKind = "minio"
	ProviderRustFS ProviderKind = "rustfs"
)

// ParseProvider validates a provider tag.
func ParseProvider(s string) (ProviderKind, error) {
	switch p := ProviderKind(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderR2, ProviderAWS, ProviderMinIO, ProviderRustFS:
		return p, nil
	default:
		return "", common.ErrUnknownProvider
	}
}

// StorageConfig identifies exactly one (account, bucket) location together
// with the credentials needed to reach it. Callers build a fresh value per
// operation and never mutate it afterwards.
type StorageConfig struct {
	Provider        ProviderKind `json:"provider"`
	AccountID       string       `json:"accountId"`
	Bucket          string       `json:"bucket"`
	AccessKeyID     string       `json:"accessKeyId"`
	SecretAccessKey string       `json:"secretAccessKey"`

	// aws only
	Region string `json:"region,omitempty"`

	// aws (optional override), minio, rustfs
	EndpointScheme string `json:"endpointScheme,omitempty"`
	EndpointHost   string `json:"endpointHost,omitempty"`
	ForcePathStyle bool   `json:"forcePathStyle,omitempty"`

	// r2 only
	APIToken string `json:"apiToken,omitempty"`

	// Optional CDN / custom domain used by BuildPublicURL.
	PublicDomain       string `json:"publicDomain,omitempty"`
	PublicDomainScheme string `json:"publicDomainScheme,omitempty"`
}

// Validate reports the first credential or endpoint field the active
// provider needs but does not have. It performs no I/O.
func (c StorageConfig) Validate() error {
	missing := func(field string) error {
		return &common.MissingCredentialError{Provider: string(c.Provider), Field: field}
	}

	if _, err := ParseProvider(string(c.Provider)); err != nil {
		return err
	}
	if c.AccessKeyID == "" {
		return missing("accessKeyId")
	}
	if c.SecretAccessKey == "" {
		return missing("secretAccessKey")
	}

	switch c.Provider {
	case ProviderR2:
		if c.AccountID == "" {
			return missing("accountId")
		}
	case ProviderAWS:
		if c.Region == "" {
			return missing("region")
		}
	case ProviderMinIO, ProviderRustFS:
		if c.EndpointHost == "" {
			return missing("endpointHost")
		}
	}
	return nil
}

// Scope returns the cache/sync namespace this config addresses.
func (c StorageConfig) Scope() Scope {
	return Scope{Provider: c.Provider, AccountID: c.AccountID, Bucket: c.Bucket}
}

// WithBucket returns a copy of c pointing at another bucket of the same account.
func (c StorageConfig) WithBucket(bucket string) StorageConfig {
	c.Bucket = bucket
	return c
}

// Scope is one (provider, account, bucket) cache/sync namespace.
type Scope struct {
	Provider  ProviderKind `json:"provider"`
	AccountID string       `json:"accountId"`
	Bucket    string       `json:"bucket"`
}

func (s Scope) String() string {
	return string(s.Provider) + ":" + s.AccountID + "/" + s.Bucket
}

// Bucket is one entry of a ListBuckets call.
type Bucket struct {
	Name         string    `json:"name"`
	CreationDate time.Time `json:"creationDate"`
}

// StorageObject is a single remote object. Folders are never objects.
type StorageObject struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"etag"`
}

// ListOptions drives one page of a list call. Delimiter "/" groups children
// into folder prefixes, "" recurses.
type ListOptions struct {
	Prefix    string `json:"prefix"`
	Delimiter string `json:"delimiter"`
	Cursor    string `json:"cursor,omitempty"`
	MaxKeys   int32  `json:"maxKeys,omitempty"`
}

// ListPage is one page of list results.
type ListPage struct {
	Objects           []StorageObject `json:"objects"`
	Folders           []string        `json:"folders"`
	Truncated         bool            `json:"truncated"`
	ContinuationToken string          `json:"continuationToken,omitempty"`
}

// MoveOperation renames oldKey to newKey.
type MoveOperation struct {
	OldKey string `json:"oldKey"`
	NewKey string `json:"newKey"`
}

// ItemError records one failed item of a batch operation.
type ItemError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// BatchDeleteResult satisfies Deleted+Failed == len(keys), len(Errors) == Failed.
type BatchDeleteResult struct {
	Deleted int         `json:"deleted"`
	Failed  int         `json:"failed"`
	Errors  []ItemError `json:"errors"`
}

// BatchMoveResult satisfies Moved+Failed == len(ops), len(Errors) == Failed.
type BatchMoveResult struct {
	Moved  int         `json:"moved"`
	Failed int         `json:"failed"`
	Errors []ItemError `json:"errors"`
}

// BatchProgress is reported while a batch operation runs.
type BatchProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Key     string `json:"key"`
}

// CompletedPart is one uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// ParentPath returns the folder prefix (with trailing slash) that directly
// contains key; "" for root-level keys and for folder paths at root.
func ParentPath(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}

// AncestorPaths lists every folder prefix above key, root (”) first.
func AncestorPaths(key string) []string {
	paths := []string{""}
	for i := 0; i < len(key); i++ {
		if key[i] == '/' && i < len(key)-1 {
			paths = append(paths, key[:i+1])
		}
	}
	return paths
}
