package models

import "time"

// Account holds the connection settings of one storage account. Secrets are
// only populated on the way in (SaveAccount) and when resolving a config;
// listings leave them empty.
type Account struct {
	ID              string       `json:"id"`
	Provider        ProviderKind `json:"provider"`
	Name            string       `json:"name"`
	AccessKeyID     string       `json:"accessKeyId"`
	SecretAccessKey string       `json:"secretAccessKey,omitempty"`
	APIToken        string       `json:"apiToken,omitempty"`
	Region          string       `json:"region,omitempty"`
	EndpointScheme  string       `json:"endpointScheme,omitempty"`
	EndpointHost    string       `json:"endpointHost,omitempty"`
	ForcePathStyle  bool         `json:"forcePathStyle,omitempty"`
	PublicDomain    string       `json:"publicDomain,omitempty"`
	Buckets         []string     `json:"buckets"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// StorageConfig builds the config for one of the account's buckets.
func (a *Account) StorageConfig(bucket string) StorageConfig {
	return StorageConfig{
		Provider:        a.Provider,
		AccountID:       a.ID,
		Bucket:          bucket,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		Region:          a.Region,
		EndpointScheme:  a.EndpointScheme,
		EndpointHost:    a.EndpointHost,
		ForcePathStyle:  a.ForcePathStyle,
		APIToken:        a.APIToken,
		PublicDomain:    a.PublicDomain,
	}
}

// LocalFileInfo describes a file on local disk offered as an upload source.
type LocalFileInfo struct {
	Path         string    `json:"path"`
	RelativePath string    `json:"relativePath,omitempty"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"modTime"`
	IsDir        bool      `json:"isDir"`
	ContentType  string    `json:"contentType"`
}
