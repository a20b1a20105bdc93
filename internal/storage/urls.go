package storage

import (
	"net/url"
	"strings"

	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

func schemeOr(s, def string) string {
	if s == "" {
		return def
	}
	return strings.TrimSuffix(s, "://")
}

// endpointFor returns the S3 API base endpoint, signing region and path
// style for cfg. An empty endpoint means the SDK default resolution.
func endpointFor(cfg models.StorageConfig) (endpoint, region string, pathStyle bool) {
	switch cfg.Provider {
	case models.ProviderR2:
		return "https://" + cfg.AccountID + ".r2.cloudflarestorage.com", "auto", true
	case models.ProviderAWS:
		if cfg.EndpointHost != "" {
			return schemeOr(cfg.EndpointScheme, "https") + "://" + cfg.EndpointHost, cfg.Region, cfg.ForcePathStyle
		}
		return "", cfg.Region, cfg.ForcePathStyle
	default:
		region = cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return schemeOr(cfg.EndpointScheme, "https") + "://" + cfg.EndpointHost, region, cfg.ForcePathStyle
	}
}

// BuildBucketBaseURL derives the public base URL of the bucket without any
// I/O. A configured public domain wins over the provider-native host.
func BuildBucketBaseURL(cfg models.StorageConfig) string {
	if cfg.PublicDomain != "" {
		return schemeOr(cfg.PublicDomainScheme, "https") + "://" + strings.TrimSuffix(cfg.PublicDomain, "/")
	}

	switch cfg.Provider {
	case models.ProviderR2:
		return "https://" + cfg.Bucket + "." + cfg.AccountID + ".r2.cloudflarestorage.com"
	case models.ProviderAWS:
		if cfg.EndpointHost == "" {
			return "https://" + cfg.Bucket + ".s3." + cfg.Region + ".amazonaws.com"
		}
	}

	scheme := schemeOr(cfg.EndpointScheme, "https")
	if cfg.ForcePathStyle {
		return scheme + "://" + cfg.EndpointHost + "/" + cfg.Bucket
	}
	return scheme + "://" + cfg.Bucket + "." + cfg.EndpointHost
}

// BuildPublicURL appends the escaped key to the bucket base URL.
func BuildPublicURL(cfg models.StorageConfig, key string) string {
	return BuildBucketBaseURL(cfg) + "/" + escapeKey(key)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (a *Adapter) BuildBucketBaseURL() string       { return BuildBucketBaseURL(a.cfg) }
func (a *Adapter) BuildPublicURL(key string) string { return BuildPublicURL(a.cfg, key) }
