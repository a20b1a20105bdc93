package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Provider = (*memstore.Store)(nil)
var _ Provider = (*S3Provider)(nil)

func memRegistry(store *memstore.Store) *Registry {
	r := NewRegistry()
	for _, k := range []models.ProviderKind{models.ProviderR2, models.ProviderAWS, models.ProviderMinIO, models.ProviderRustFS} {
		r.Register(k, func(context.Context, models.StorageConfig) (Provider, error) { return store, nil })
	}
	return r
}

func TestRegistry_OpenValidatesBeforeConnecting(t *testing.T) {
	called := false
	r := NewRegistry()
	r.Register(models.ProviderAWS, func(context.Context, models.StorageConfig) (Provider, error) {
		called = true
		return memstore.New(), nil
	})

	_, err := r.Open(context.Background(), models.StorageConfig{
		Provider: models.ProviderAWS, AccessKeyID: "ak", SecretAccessKey: "sk", Bucket: "b",
	})
	require.ErrorIs(t, err, common.ErrMissingCredential)

	var mc *common.MissingCredentialError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, "region", mc.Field)
	assert.False(t, called)
}

func TestRegistry_UnregisteredProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Open(context.Background(), models.StorageConfig{
		Provider: models.ProviderMinIO, AccessKeyID: "ak", SecretAccessKey: "sk", EndpointHost: "h",
	})
	require.ErrorIs(t, err, common.ErrUnknownProvider)
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register(models.ProviderR2, func(context.Context, models.StorageConfig) (Provider, error) { return nil, boom })

	_, err := r.Open(context.Background(), models.StorageConfig{
		Provider: models.ProviderR2, AccountID: "acc", AccessKeyID: "ak", SecretAccessKey: "sk",
	})
	require.ErrorIs(t, err, boom)
}

func TestDefaultRegistry_CoversAllProviders(t *testing.T) {
	r := DefaultRegistry()
	for _, k := range []models.ProviderKind{models.ProviderR2, models.ProviderAWS, models.ProviderMinIO, models.ProviderRustFS} {
		_, ok := r.factories[k]
		assert.Truef(t, ok, "missing %s", k)
	}
}
