// Package invalidate turns changed object keys into CloudFront
// invalidation paths and submits them.
package invalidate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/endlessm/helpcenter/internal/objstore"
)

// Wildcard invalidates the whole distribution.
const Wildcard = "/*"

// DefaultCeiling switches to Wildcard well below CloudFront's limit of
// 3000 in-flight invalidation paths, leaving room for concurrent builds.
// See https://docs.aws.amazon.com/AmazonCloudFront/latest/DeveloperGuide/Invalidation.html#InvalidationLimits
const DefaultCeiling = 1000

// Batch is an ordered, duplicate-free list of invalidation paths.
type Batch []string

// IsWildcard reports whether the batch invalidates everything.
func (b Batch) IsWildcard() bool {
	return len(b) == 1 && b[0] == Wildcard
}

// Options tune Build.
type Options struct {
	// DefaultDocument is served for directory URLs, so a change to it
	// also invalidates its directory path.
	DefaultDocument string
	// Ceiling is the path count at which Build gives up on listing paths
	// and returns Wildcard.
	Ceiling int
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.DefaultDocument == "" {
		o.DefaultDocument = "index.html"
	}
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultCeiling
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Build derives the invalidation paths for the changed keys. With force
// set, it returns Wildcard without looking at the keys.
func Build(changed []string, force bool, opts Options) Batch {
	opts.defaults()
	log := opts.Logger

	if force {
		log.Info("adding invalidation path", "path", Wildcard)
		return Batch{Wildcard}
	}

	seen := make(map[string]bool)
	var paths Batch
	add := func(p string) {
		if seen[p] {
			return
		}
		seen[p] = true
		log.Info("adding invalidation path", "path", p)
		paths = append(paths, p)
	}

	for _, key := range changed {
		p := "/" + key
		add(p)

		// The bucket serves dir/ as dir/index.html, so the nameless
		// path is cached separately.
		if path.Base(p) == opts.DefaultDocument {
			dir := path.Dir(p)
			if dir != "/" {
				dir += "/"
			}
			add(dir)
		}
	}

	if len(paths) >= opts.Ceiling {
		log.Warn("invalidation paths may exceed the CloudFront limit, invalidating everything instead",
			"paths", len(paths), "ceiling", opts.Ceiling)
		return Batch{Wildcard}
	}

	return paths
}

// CFClient abstracts the CloudFront invalidation API.
type CFClient interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// Submit creates an invalidation for batch on the distribution and returns
// its ID. An empty batch is not submitted.
func Submit(ctx context.Context, client CFClient, distributionID string, batch Batch) (string, error) {
	if len(batch) == 0 {
		return "", nil
	}

	items := make([]string, len(batch))
	copy(items, batch)

	resp, err := client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(distributionID),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(strconv.FormatInt(time.Now().UnixNano(), 10)),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(int32(len(items))),
				Items:    items,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: invalidating distribution %s: %v", objstore.ErrRemoteUnavailable, distributionID, err)
	}

	if resp.Invalidation == nil {
		return "", nil
	}
	return aws.ToString(resp.Invalidation.Id), nil
}
