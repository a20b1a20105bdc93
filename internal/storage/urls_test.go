package storage

import (
	"testing"

	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestBuildPublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.StorageConfig
		key  string
		want string
	}{
		{
			name: "r2 native",
			cfg:  models.StorageConfig{Provider: models.ProviderR2, AccountID: "acc", Bucket: "media"},
			key:  "a/b c.txt",
			want: "https://media.acc.r2.cloudflarestorage.com/a/b%20c.txt",
		},
		{
			name: "r2 custom domain",
			cfg:  models.StorageConfig{Provider: models.ProviderR2, AccountID: "acc", Bucket: "media", PublicDomain: "cdn.example.com/"},
			key:  "img.png",
			want: "https://cdn.example.com/img.png",
		},
		{
			name: "aws regional",
			cfg:  models.StorageConfig{Provider: models.ProviderAWS, Bucket: "logs", Region: "eu-west-1"},
			key:  "2024/01.log",
			want: "https://logs.s3.eu-west-1.amazonaws.com/2024/01.log",
		},
		{
			name: "minio path style",
			cfg:  models.StorageConfig{Provider: models.ProviderMinIO, Bucket: "b", EndpointScheme: "http", EndpointHost: "localhost:9000", ForcePathStyle: true},
			key:  "k",
			want: "http://localhost:9000/b/k",
		},
		{
			name: "rustfs virtual hosted",
			cfg:  models.StorageConfig{Provider: models.ProviderRustFS, Bucket: "b", EndpointHost: "s3.local"},
			key:  "k",
			want: "https://b.s3.local/k",
		},
		{
			name: "public domain scheme",
			cfg:  models.StorageConfig{Provider: models.ProviderMinIO, Bucket: "b", EndpointHost: "h", PublicDomain: "files.lan", PublicDomainScheme: "http"},
			key:  "k",
			want: "http://files.lan/k",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildPublicURL(tt.cfg, tt.key))
		})
	}
}

func TestEndpointFor(t *testing.T) {
	ep, region, path := endpointFor(models.StorageConfig{Provider: models.ProviderR2, AccountID: "acc"})
	assert.Equal(t, "https://acc.r2.cloudflarestorage.com", ep)
	assert.Equal(t, "auto", region)
	assert.True(t, path)

	ep, region, _ = endpointFor(models.StorageConfig{Provider: models.ProviderAWS, Region: "us-west-2"})
	assert.Empty(t, ep)
	assert.Equal(t, "us-west-2", region)

	ep, region, path = endpointFor(models.StorageConfig{Provider: models.ProviderMinIO, EndpointScheme: "http://", EndpointHost: "m:9000", ForcePathStyle: true})
	assert.Equal(t, "http://m:9000", ep)
	assert.Equal(t, "us-east-1", region)
	assert.True(t, path)
}
