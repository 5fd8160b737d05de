package config

import "strings"

// BlobConfig contains S3-compatible object store configuration.
type BlobConfig struct {
	Endpoint  string `env:"BLOB_ENDPOINT"`
	AccessKey string `env:"BLOB_ACCESS_KEY"`
	SecretKey string `env:"BLOB_SECRET_KEY"`
	Region    string `env:"BLOB_REGION"`
	Bucket    string `env:"BLOB_BUCKET"        envDefault:"polybot-images"`
	UseSSL    bool   `env:"BLOB_USE_SSL"       envDefault:"true"`

	// CreateBucket creates the bucket at startup when it does not exist.
	CreateBucket bool `env:"BLOB_CREATE_BUCKET" envDefault:"false"`
}

// Sanitize trims connection settings. A scheme on the endpoint decides UseSSL.
func (b *BlobConfig) Sanitize() {
	b.Endpoint = strings.TrimRight(strings.TrimSpace(b.Endpoint), "/")
	switch {
	case strings.HasPrefix(b.Endpoint, "https://"):
		b.Endpoint = strings.TrimPrefix(b.Endpoint, "https://")
		b.UseSSL = true
	case strings.HasPrefix(b.Endpoint, "http://"):
		b.Endpoint = strings.TrimPrefix(b.Endpoint, "http://")
		b.UseSSL = false
	}
	b.Bucket = strings.TrimSpace(b.Bucket)
	b.Region = strings.TrimSpace(b.Region)
}
