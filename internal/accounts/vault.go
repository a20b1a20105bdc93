// Package accounts keeps storage account settings with their secrets sealed
// under a key derived from the user's passphrase, and resolves
// (provider, account, bucket) triples into full storage configs.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/cryptox"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/google/uuid"
)

const (
	saltKey     = "vault.salt"
	verifierKey = "vault.verifier"
)

// Settings is the key/value store holding the salt and verifier.
type Settings interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type Vault struct {
	repo     Repository
	settings Settings
	log      logging.Logger
	now      func() time.Time

	mu  sync.RWMutex
	key []byte
}

func NewVault(repo Repository, settings Settings, log logging.Logger) *Vault {
	return &Vault{repo: repo, settings: settings, log: log.With("module", "accounts"), now: time.Now}
}

// Unlock derives the vault key from passphrase. The first unlock on a fresh
// database initialises the salt and verifier; later ones must match them.
func (v *Vault) Unlock(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("%w: passphrase is empty", common.ErrInvalidArgument)
	}
	salt, err := v.settings.Get(ctx, saltKey)
	if err != nil {
		return err
	}
	verifier, err := v.settings.Get(ctx, verifierKey)
	if err != nil {
		return err
	}

	if salt == nil || verifier == nil {
		if salt, err = cryptox.NewSalt(); err != nil {
			return err
		}
		key := cryptox.DeriveKey([]byte(passphrase), salt)
		if err := v.settings.Set(ctx, saltKey, salt); err != nil {
			return err
		}
		if err := v.settings.Set(ctx, verifierKey, cryptox.MakeVerifier(key)); err != nil {
			return err
		}
		v.setKey(key)
		v.log.Info(ctx, "vault initialised")
		return nil
	}

	key := cryptox.DeriveKey([]byte(passphrase), salt)
	if !cryptox.CheckVerifier(key, verifier) {
		cryptox.Wipe(key)
		return fmt.Errorf("%w: wrong passphrase", common.ErrUnauthorized)
	}
	v.setKey(key)
	v.log.Info(ctx, "vault unlocked")
	return nil
}

func (v *Vault) setKey(key []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cryptox.Wipe(v.key)
	v.key = key
}

// Lock forgets the key.
func (v *Vault) Lock() {
	v.setKey(nil)
}

func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

func (v *Vault) keyOrErr() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, common.ErrVaultLocked
	}
	return v.key, nil
}

// SaveAccount validates and stores an account. An empty ID gets a random
// one except for r2, where the ID is the Cloudflare account id. An empty
// secret on an existing account keeps the stored one.
func (v *Vault) SaveAccount(ctx context.Context, a models.Account) (models.Account, error) {
	key, err := v.keyOrErr()
	if err != nil {
		return models.Account{}, err
	}
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return models.Account{}, fmt.Errorf("%w: name is required", common.ErrInvalidArgument)
	}
	if a.ID == "" && a.Provider != models.ProviderR2 {
		a.ID = uuid.NewString()
	}

	var prev *record
	if a.ID != "" {
		if prev, err = v.repo.Get(ctx, a.ID); err != nil && !isNotFound(err) {
			return models.Account{}, err
		}
	}
	rec := &record{Account: a}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
		if a.SecretAccessKey == "" {
			rec.SealedSecret = prev.SealedSecret
		}
		if a.APIToken == "" {
			rec.SealedToken = prev.SealedToken
		}
	} else {
		rec.CreatedAt = v.now().UTC().Truncate(time.Millisecond)
	}

	if a.SecretAccessKey != "" {
		if rec.SealedSecret, err = cryptox.Seal(key, []byte(a.SecretAccessKey)); err != nil {
			return models.Account{}, err
		}
	}
	if a.APIToken != "" {
		if rec.SealedToken, err = cryptox.Seal(key, []byte(a.APIToken)); err != nil {
			return models.Account{}, err
		}
	}

	full, err := v.open(key, rec)
	if err != nil {
		return models.Account{}, err
	}
	if err := full.StorageConfig("").Validate(); err != nil {
		return models.Account{}, err
	}

	if err := v.repo.Save(ctx, rec); err != nil {
		return models.Account{}, err
	}
	v.log.Info(ctx, "account saved", "account_id", rec.ID, "provider", rec.Provider)
	return redact(rec.Account), nil
}

// ListAccounts never returns secrets and works while the vault is locked.
func (v *Vault) ListAccounts(ctx context.Context) ([]models.Account, error) {
	recs, err := v.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Account, 0, len(recs))
	for _, r := range recs {
		out = append(out, redact(r.Account))
	}
	return out, nil
}

func (v *Vault) DeleteAccount(ctx context.Context, id string) error {
	if err := v.repo.Delete(ctx, id); err != nil {
		return err
	}
	v.log.Info(ctx, "account deleted", "account_id", id)
	return nil
}

// Resolve builds the full config for one bucket of a stored account.
func (v *Vault) Resolve(ctx context.Context, provider models.ProviderKind, accountID, bucket string) (models.StorageConfig, error) {
	key, err := v.keyOrErr()
	if err != nil {
		return models.StorageConfig{}, err
	}
	rec, err := v.repo.Get(ctx, accountID)
	if err != nil {
		return models.StorageConfig{}, fmt.Errorf("account %s: %w", accountID, err)
	}
	if rec.Provider != provider {
		return models.StorageConfig{}, fmt.Errorf("account %s is %s, not %s: %w", accountID, rec.Provider, provider, common.ErrNotFound)
	}
	full, err := v.open(key, rec)
	if err != nil {
		return models.StorageConfig{}, err
	}
	return full.StorageConfig(bucket), nil
}

func (v *Vault) open(key []byte, rec *record) (models.Account, error) {
	a := rec.Account
	if len(rec.SealedSecret) > 0 {
		b, err := cryptox.Open(key, rec.SealedSecret)
		if err != nil {
			return models.Account{}, fmt.Errorf("secret of account %s: %w", rec.ID, err)
		}
		a.SecretAccessKey = string(b)
	}
	if len(rec.SealedToken) > 0 {
		b, err := cryptox.Open(key, rec.SealedToken)
		if err != nil {
			return models.Account{}, fmt.Errorf("api token of account %s: %w", rec.ID, err)
		}
		a.APIToken = string(b)
	}
	return a, nil
}

func redact(a models.Account) models.Account {
	a.SecretAccessKey = ""
	a.APIToken = ""
	if a.Buckets == nil {
		a.Buckets = []string{}
	}
	return a
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
