// Package source opens alignment, index and region files by URL.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/vshulcz/bamstats/internal/domain"
)

// S3API is the subset of the S3 client used to read objects.
type S3API interface {
	GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// Opener resolves file paths and file://, http(s)://, gs:// and s3:// URLs to readers.
type Opener struct {
	hc        *http.Client
	s3        S3API
	gcs       *storage.Client
	gcsErr    error
	s3Err     error
	gcsToken  string
	awsRegion string
	gcsOnce   sync.Once
	s3Once    sync.Once
	gcsPublic bool
}

// Option configures an Opener.
type Option func(*Opener)

// WithHTTPClient sets the client used for http(s) sources.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Opener) {
		if hc != nil {
			o.hc = hc
		}
	}
}

// WithGCSToken authenticates gs:// reads with a static OAuth2 bearer token.
func WithGCSToken(token string) Option {
	return func(o *Opener) { o.gcsToken = token }
}

// WithPublicGCS reads gs:// objects without credentials.
func WithPublicGCS() Option {
	return func(o *Opener) { o.gcsPublic = true }
}

// WithAWSRegion sets the region of the lazily created S3 client.
func WithAWSRegion(region string) Option {
	return func(o *Opener) { o.awsRegion = region }
}

// WithS3 replaces the S3 client.
func WithS3(api S3API) Option {
	return func(o *Opener) {
		o.s3 = api
		o.s3Once.Do(func() {})
	}
}

// NewOpener returns an Opener. Cloud clients are created on first use.
func NewOpener(opts ...Option) *Opener {
	o := &Opener{hc: &http.Client{Timeout: 30 * time.Minute}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open returns a reader for rawURL. Missing objects are reported as domain.ErrNotFound.
func (o *Opener) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: source url is empty", domain.ErrConfiguration)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid source url: %v", domain.ErrConfiguration, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "file":
		p := raw
		if u.Scheme != "" {
			p = u.Path
		}
		return o.openFile(p)
	case "http", "https":
		return o.openHTTP(ctx, u.String())
	case "gs":
		return o.openGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "s3":
		return o.openS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("%w: unsupported source scheme %q", domain.ErrConfiguration, u.Scheme)
	}
}

func (o *Opener) openFile(p string) (io.ReadCloser, error) {
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, domain.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

func (o *Opener) openHTTP(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := o.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", redact(u), err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", redact(u), domain.ErrNotFound)
	}
	return nil, fmt.Errorf("get %s: status %d", redact(u), resp.StatusCode)
}

func (o *Opener) gcsClient() (*storage.Client, error) {
	o.gcsOnce.Do(func() {
		var opts []option.ClientOption
		switch {
		case o.gcsToken != "":
			opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
				TokenType:   "Bearer",
				AccessToken: o.gcsToken,
			})))
		case o.gcsPublic:
			opts = append(opts, option.WithHTTPClient(http.DefaultClient))
		}
		o.gcs, o.gcsErr = storage.NewClient(context.Background(), opts...)
	})
	return o.gcs, o.gcsErr
}

func (o *Opener) openGCS(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("%w: gs url needs a bucket and an object", domain.ErrConfiguration)
	}
	c, err := o.gcsClient()
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	r, err := c.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, object, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("gs://%s/%s: %w", bucket, object, err)
	}
	return r, nil
}

func (o *Opener) s3Client() (S3API, error) {
	o.s3Once.Do(func() {
		cfg := aws.NewConfig()
		if o.awsRegion != "" {
			cfg = cfg.WithRegion(o.awsRegion)
		}
		sess, err := session.NewSession(cfg)
		if err != nil {
			o.s3Err = err
			return
		}
		o.s3 = s3.New(sess)
	})
	return o.s3, o.s3Err
}

func (o *Opener) openS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: s3 url needs a bucket and a key", domain.ErrConfiguration)
	}
	api, err := o.s3Client()
	if err != nil {
		return nil, fmt.Errorf("creating s3 session: %w", err)
	}
	out, err := api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == s3.ErrCodeNoSuchBucket) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// redact drops the query string, which often carries signatures.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
