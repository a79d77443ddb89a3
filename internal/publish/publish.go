// Package publish brings a bucket in line with a local HTML tree.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/endlessm/helpcenter/internal/config"
	"github.com/endlessm/helpcenter/internal/contenttype"
	"github.com/endlessm/helpcenter/internal/invalidate"
	"github.com/endlessm/helpcenter/internal/kvs"
	"github.com/endlessm/helpcenter/internal/objstore"
	"github.com/endlessm/helpcenter/internal/reconcile"
	"github.com/endlessm/helpcenter/internal/scan"
)

// Store is the bucket the tree is published to.
type Store interface {
	Bucket() string
	List(ctx context.Context, prefix string) (map[string]objstore.Object, error)
	Upload(ctx context.Context, key, path, contentType string) error
	Delete(ctx context.Context, key string) error
}

// CloudFront covers the distribution calls: invalidations and KVS lookup.
type CloudFront interface {
	invalidate.CFClient
	kvs.ARNResolver
}

// Clients are the remote services a Publisher talks to. CloudFront and
// KVS may be nil when the configuration does not use them.
type Clients struct {
	Store      Store
	CloudFront CloudFront
	KVS        kvs.Client
}

// Result reports what a run did, or would have done in a dry run.
type Result struct {
	Plan           *reconcile.Plan
	Invalidation   invalidate.Batch
	InvalidationID string
	Redirects      *kvs.Plan
}

// Publisher runs one publish.
type Publisher struct {
	cfg         config.Publish
	clients     Clients
	log         *slog.Logger
	reconciler  *reconcile.Reconciler
	contentType func(path string) string
}

// New returns a Publisher. cfg must already be validated.
func New(cfg config.Publish, clients Clients, logger *slog.Logger) (*Publisher, error) {
	if clients.Store == nil {
		return nil, errors.New("publish: store is required")
	}
	if cfg.CloudFront != "" && clients.CloudFront == nil {
		return nil, fmt.Errorf("%w: a CloudFront client is required for distribution %s", config.ErrConfiguration, cfg.CloudFront)
	}
	if cfg.RedirectsKVS != "" && (clients.CloudFront == nil || clients.KVS == nil) {
		return nil, fmt.Errorf("%w: CloudFront and KVS clients are required for redirects store %s", config.ErrConfiguration, cfg.RedirectsKVS)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Branch = config.CleanBranch(cfg.Branch)
	return &Publisher{
		cfg:         cfg,
		clients:     clients,
		log:         logger,
		reconciler:  reconcile.New(logger),
		contentType: contenttype.Resolve,
	}, nil
}

// Run scans the tree, compares it with the bucket and applies the
// difference. It stops at the first error; a later run picks up where
// this one left off.
func (p *Publisher) Run(ctx context.Context) (*Result, error) {
	cfg := p.cfg
	store := p.clients.Store
	res := &Result{}

	p.log.Info("finding docs files", "dir", cfg.BuildDir, "branch", cfg.Branch)
	local, err := scan.Tree(cfg.BuildDir, cfg.Branch, scan.Options{Exclude: cfg.Exclude})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", cfg.BuildDir, err)
	}
	p.log.Info("found docs files", "count", len(local))

	prefix := ""
	if cfg.Branch != "" {
		prefix = cfg.Branch + "/"
	}
	p.log.Info("finding current objects", "bucket", store.Bucket(), "prefix", prefix)
	remote, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for key := range remote {
		if scan.Excluded(key, cfg.Exclude) {
			p.log.Debug("ignoring excluded object", "key", key)
			delete(remote, key)
		}
	}
	p.log.Info("found current objects", "count", len(remote))

	res.Plan = p.reconciler.Compute(local, remote, cfg.Force)

	for _, entry := range res.Plan.Uploads {
		ct := p.contentType(entry.Path)
		p.log.Debug("using content type", "key", entry.Key, "content_type", ct)
		p.log.Info("uploading", "key", entry.Key, "size", humanize.Bytes(uint64(entry.Size)))
		if cfg.DryRun {
			continue
		}
		if err := store.Upload(ctx, entry.Key, entry.Path, ct); err != nil {
			return res, err
		}
	}

	for _, obj := range res.Plan.Deletes {
		p.log.Info("deleting", "key", obj.Key)
		if cfg.DryRun {
			continue
		}
		if err := store.Delete(ctx, obj.Key); err != nil {
			return res, err
		}
	}

	if res.Plan.Empty() {
		p.log.Info("all objects up to date")
	} else if cfg.CloudFront != "" {
		if err := p.invalidate(ctx, res); err != nil {
			return res, err
		}
	}

	if cfg.RedirectsKVS != "" {
		keys := make([]string, 0, len(local))
		for key := range local {
			keys = append(keys, key)
		}
		plan, err := p.syncRedirects(ctx, keys)
		res.Redirects = plan
		if err != nil {
			return res, err
		}
	}

	return res, nil
}

func (p *Publisher) invalidate(ctx context.Context, res *Result) error {
	res.Invalidation = invalidate.Build(res.Plan.Changed(), p.cfg.Force, invalidate.Options{
		DefaultDocument: p.cfg.DefaultDocument,
		Ceiling:         p.cfg.InvalidationCeiling,
		Logger:          p.log,
	})

	p.log.Info("invalidating CloudFront distribution", "distribution", p.cfg.CloudFront, "paths", len(res.Invalidation))
	if p.cfg.DryRun {
		return nil
	}

	id, err := invalidate.Submit(ctx, p.clients.CloudFront, p.cfg.CloudFront, res.Invalidation)
	if err != nil {
		return err
	}
	res.InvalidationID = id
	p.log.Debug("created invalidation", "id", id)
	return nil
}

func (p *Publisher) syncRedirects(ctx context.Context, keys []string) (*kvs.Plan, error) {
	name := p.cfg.RedirectsKVS
	desired := kvs.DirectoryRedirects(keys, p.cfg.DefaultDocument)
	if p.cfg.RedirectsFile != "" {
		rules, err := kvs.LoadRules(p.cfg.RedirectsFile)
		if err != nil {
			return nil, err
		}
		var scoped []kvs.Entry
		for _, r := range rules {
			if !kvs.InScope(r.Key, p.cfg.Branch) {
				p.log.Warn("skipping redirect outside branch", "key", r.Key, "branch", p.cfg.Branch)
				continue
			}
			scoped = append(scoped, r)
		}
		desired, err = kvs.ResolveChains(kvs.Merge(desired, scoped))
		if err != nil {
			return nil, err
		}
	}

	if errs := kvs.Validate(desired); len(errs) > 0 {
		for _, e := range errs {
			p.log.Error("invalid redirect", "key", e.Key, "error", e.Message)
		}
		return nil, fmt.Errorf("%d redirects exceed key value store limits", len(errs))
	}
	stats := kvs.Measure(desired)
	p.log.Info("redirects capacity", "keys", stats.NumKeys,
		"bytes", stats.TotalBytes, "percent", fmt.Sprintf("%.1f", float64(stats.TotalBytes)/kvs.MaxTotalBytes*100))

	arn, err := kvs.ResolveARN(ctx, p.clients.CloudFront, name)
	if err != nil {
		return nil, fmt.Errorf("resolving redirects store: %w", err)
	}
	existing, etag, err := kvs.FetchExisting(ctx, p.clients.KVS, arn)
	if err != nil {
		return nil, err
	}

	plan := kvs.ComputePlan(desired, kvs.Scope(existing, p.cfg.Branch))
	p.log.Info("syncing redirects", "store", name, "puts", len(plan.Puts), "deletes", len(plan.Deletes))
	if p.cfg.DryRun || plan.Empty() {
		return plan, nil
	}
	if err := kvs.Apply(ctx, p.clients.KVS, arn, etag, plan); err != nil {
		return plan, err
	}
	return plan, nil
}
