package s3

import (
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/rdedup/rdedup/internal/errors"
)

// Config contains all configuration necessary to connect to an S3
// compatible server.
type Config struct {
	Endpoint string
	UseHTTP  bool
	Bucket   string
	Prefix   string

	KeyID, Secret string
	Region        string

	Connections  uint
	MaxRetries   uint
	BucketLookup string
}

// NewConfig returns a new Config with default values filled in.
func NewConfig() Config {
	return Config{Connections: 5}
}

// ParseConfig parses the string s and extracts the s3 config. The two
// supported formats are s3://host/bucketname/prefix and
// s3:host/bucketname/prefix.
func ParseConfig(s string) (*Config, error) {
	switch {
	case strings.HasPrefix(s, "s3:http"):
		u, err := url.Parse(s[3:])
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if u.Path == "" {
			return nil, errors.New("s3: bucket name not found")
		}
		bucket, p, _ := strings.Cut(u.Path[1:], "/")
		return createConfig(u.Host, bucket, p, u.Scheme == "http")
	case strings.HasPrefix(s, "s3://"):
		s = s[5:]
	case strings.HasPrefix(s, "s3:"):
		s = s[3:]
	default:
		return nil, errors.New("s3: invalid format")
	}
	endpoint, rest, _ := strings.Cut(s, "/")
	bucket, prefix, _ := strings.Cut(rest, "/")
	return createConfig(endpoint, bucket, prefix, false)
}

func createConfig(endpoint, bucket, prefix string, useHTTP bool) (*Config, error) {
	if endpoint == "" {
		return nil, errors.New("s3: invalid format, host/region or bucket name not found")
	}
	if prefix != "" {
		prefix = path.Clean(prefix)
	}
	cfg := NewConfig()
	cfg.Endpoint = endpoint
	cfg.UseHTTP = useHTTP
	cfg.Bucket = bucket
	cfg.Prefix = prefix
	return &cfg, nil
}

// ApplyEnvironment fills in credentials and region from the process
// environment, under the given prefix (e.g. "RDEDUP_").
func (cfg *Config) ApplyEnvironment(prefix string) {
	if cfg.KeyID == "" {
		cfg.KeyID = os.Getenv(prefix + "AWS_ACCESS_KEY_ID")
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv(prefix + "AWS_SECRET_ACCESS_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv(prefix + "AWS_DEFAULT_REGION")
	}
}
