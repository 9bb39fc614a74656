package jobstore

import (
	"fmt"
	"net/url"
	"strings"
)

// Open selects a backend from a store URL. Supported schemes:
//
//	file:///var/lib/domaind/jobs   local or shared filesystem
//	s3://bucket/prefix?endpoint=…  S3-compatible object storage
//	mem://                         volatile, for tests and dry runs
func Open(storeURL string) (Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("jobstore: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return NewMemStore(), nil
	case "file", "":
		root := u.Path
		if u.Opaque != "" {
			root = u.Opaque
		}
		if root == "" {
			return nil, fmt.Errorf("jobstore: file store URL %q has no path", storeURL)
		}
		return NewFileStore(root)
	case "s3":
		q := u.Query()
		cfg := S3Config{
			Endpoint:       q.Get("endpoint"),
			Region:         q.Get("region"),
			Bucket:         u.Host,
			Prefix:         strings.Trim(u.Path, "/"),
			AccessKey:      q.Get("access-key"),
			SecretKey:      q.Get("secret-key"),
			Insecure:       q.Get("insecure") == "true",
			ForcePathStyle: q.Get("path-style") == "true",
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = "s3.amazonaws.com"
		}
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("jobstore: unsupported store scheme %q", u.Scheme)
	}
}
