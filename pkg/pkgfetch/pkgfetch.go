// Package pkgfetch stages module release packages onto a host.
//
// Sources are either a host-local directory or an s3:// URL (any
// S3-compatible endpoint). Artifact selection uses doublestar globs so
// a package URI can cover versioned names like "helmsman-be-*.tar.gz".
package pkgfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bmatcuk/doublestar/v4"
)

// Config configures S3 access for s3:// sources. Local directory
// sources need no configuration.
type Config struct {
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// FetchError wraps a staging failure with the provider error code when
// one is available.
type FetchError struct {
	Op     string
	Source string
	Code   string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("pkgfetch %s %s: %s: %v", e.Op, e.Source, e.Code, e.Err)
	}
	return fmt.Sprintf("pkgfetch %s %s: %v", e.Op, e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Stager copies release artifacts from a source into a destination
// directory.
type Stager struct {
	cfg      Config
	s3Client *s3.Client
}

// New creates a Stager. The S3 client is built lazily on first s3://
// use so local-only agents never touch the AWS credential chain.
func New(cfg Config) *Stager {
	return &Stager{cfg: cfg}
}

// Stage copies artifacts matching pattern from sourceURI into destDir
// and returns the staged file paths. An empty pattern stages
// everything.
func (s *Stager) Stage(ctx context.Context, sourceURI, pattern, destDir string) ([]string, error) {
	if strings.TrimSpace(sourceURI) == "" {
		return nil, errors.New("pkgfetch: source uri is required")
	}
	if strings.TrimSpace(destDir) == "" {
		return nil, errors.New("pkgfetch: destination dir is required")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create package dir: %w", err)
	}

	if strings.HasPrefix(sourceURI, "s3://") {
		return s.stageS3(ctx, sourceURI, pattern, destDir)
	}
	return stageLocal(sourceURI, pattern, destDir)
}

func stageLocal(sourceDir, pattern, destDir string) ([]string, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, &FetchError{Op: "stat", Source: sourceDir, Err: err}
	}
	if !info.IsDir() {
		return nil, &FetchError{Op: "stat", Source: sourceDir, Err: errors.New("source is not a directory")}
	}

	var staged []string
	walkErr := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		ok, err := matchArtifact(pattern, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		dest := filepath.Join(destDir, filepath.Base(rel))
		if err := copyFile(p, dest); err != nil {
			return err
		}
		staged = append(staged, dest)
		return nil
	})
	if walkErr != nil {
		return nil, &FetchError{Op: "stage", Source: sourceDir, Err: walkErr}
	}
	if len(staged) == 0 {
		return nil, &FetchError{Op: "stage", Source: sourceDir,
			Err: fmt.Errorf("no artifacts matched pattern %q", pattern)}
	}
	return staged, nil
}

func (s *Stager) stageS3(ctx context.Context, sourceURI, pattern, destDir string) ([]string, error) {
	bucket, prefix, err := splitS3URI(sourceURI)
	if err != nil {
		return nil, err
	}

	client, err := s.client(ctx)
	if err != nil {
		return nil, &FetchError{Op: "connect", Source: sourceURI, Err: err}
	}

	var staged []string
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list", sourceURI, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			if rel == "" {
				continue
			}
			ok, err := matchArtifact(pattern, rel)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}

			dest := filepath.Join(destDir, path.Base(key))
			if err := s.download(ctx, client, bucket, key, dest); err != nil {
				return nil, classify("get", sourceURI, err)
			}
			staged = append(staged, dest)
		}
	}

	if len(staged) == 0 {
		return nil, &FetchError{Op: "stage", Source: sourceURI,
			Err: fmt.Errorf("no artifacts matched pattern %q", pattern)}
	}
	return staged, nil
}

func (s *Stager) download(ctx context.Context, client *s3.Client, bucket, key, dest string) error {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer func() { _ = out.Body.Close() }()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *Stager) client(ctx context.Context) (*s3.Client, error) {
	if s.s3Client != nil {
		return s.s3Client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.cfg.Region))
	}
	if s.cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s.cfg.Profile))
	}
	if s.cfg.AccessKeyID != "" && s.cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if s.cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if s.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.cfg.Endpoint)
			}
		},
	}
	s.s3Client = s3.NewFromConfig(awsCfg, s3Opts...)
	return s.s3Client, nil
}

func matchArtifact(pattern, rel string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	ok, err := doublestar.Match(pattern, rel)
	if err != nil {
		return false, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
	}
	return ok, nil
}

func splitS3URI(uri string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", &FetchError{Op: "parse", Source: uri, Err: errors.New("missing bucket")}
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = strings.TrimSuffix(parts[1], "/")
	}
	return bucket, prefix, nil
}

func classify(op, source string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &FetchError{Op: op, Source: source, Code: apiErr.ErrorCode(), Err: err}
	}
	return &FetchError{Op: op, Source: source, Err: err}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
