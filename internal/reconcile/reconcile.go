// Package reconcile decides which local files to upload and which remote
// objects to delete so that a bucket mirrors a local tree.
package reconcile

import (
	"io"
	"log/slog"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/endlessm/helpcenter/internal/objstore"
	"github.com/endlessm/helpcenter/internal/scan"
)

// Plan is the outcome of a reconciliation. Every key of the local and
// remote sets lands in exactly one of Uploads, Deletes or Skipped. All
// three are sorted by key.
type Plan struct {
	Uploads []scan.Entry
	Deletes []objstore.Object
	Skipped []string
}

// Changed returns the keys of every upload followed by every delete.
func (p *Plan) Changed() []string {
	keys := make([]string, 0, len(p.Uploads)+len(p.Deletes))
	for _, e := range p.Uploads {
		keys = append(keys, e.Key)
	}
	for _, o := range p.Deletes {
		keys = append(keys, o.Key)
	}
	return keys
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Uploads) == 0 && len(p.Deletes) == 0
}

// Comparator reports whether a local file matches the remote object
// stored under the same key.
type Comparator func(local scan.Entry, remote objstore.Object) bool

// ETagComparator is the S3 rule. A single-part upload gets the quoted MD5
// as its ETag, so equal-length ETags are compared literally. Any other
// ETag (multipart uploads) is opaque, so only the sizes are compared;
// local timestamps carry no information about the remote copy.
func ETagComparator(local scan.Entry, remote objstore.Object) bool {
	if len(local.ETag) == len(remote.ETag) {
		return local.ETag == remote.ETag
	}
	return local.Size == remote.Size
}

// Reconciler computes plans.
type Reconciler struct {
	Compare Comparator
	Logger  *slog.Logger
}

// New returns a Reconciler using ETagComparator.
func New(logger *slog.Logger) *Reconciler {
	return &Reconciler{Compare: ETagComparator, Logger: logger}
}

// Compute compares local entries against remote objects. With force set
// every local entry is uploaded regardless of the remote state.
func (r *Reconciler) Compute(local map[string]scan.Entry, remote map[string]objstore.Object, force bool) *Plan {
	compare := r.Compare
	if compare == nil {
		compare = ETagComparator
	}
	log := r.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	plan := &Plan{}

	localKeys := mapset.NewThreadUnsafeSet[string]()
	for key := range local {
		localKeys.Add(key)
	}
	remoteKeys := mapset.NewThreadUnsafeSet[string]()
	for key := range remote {
		remoteKeys.Add(key)
	}

	for _, key := range sorted(localKeys) {
		entry := local[key]
		obj, exists := remote[key]
		switch {
		case force:
			log.Debug("uploading, forced", "key", key)
		case !exists:
			log.Debug("uploading, not in bucket", "key", key)
		default:
			log.Debug("comparing to existing object", "key", key,
				"local_size", entry.Size, "local_etag", entry.ETag,
				"remote_size", obj.Size, "remote_etag", obj.ETag)
			if compare(entry, obj) {
				log.Debug("skipping, unchanged", "key", key)
				plan.Skipped = append(plan.Skipped, key)
				continue
			}
		}
		plan.Uploads = append(plan.Uploads, entry)
	}

	for _, key := range sorted(remoteKeys.Difference(localKeys)) {
		plan.Deletes = append(plan.Deletes, remote[key])
	}

	return plan
}

// Compute is a shorthand for New(nil).Compute.
func Compute(local map[string]scan.Entry, remote map[string]objstore.Object, force bool) *Plan {
	return New(nil).Compute(local, remote, force)
}

func sorted(set mapset.Set[string]) []string {
	keys := set.ToSlice()
	sort.Strings(keys)
	return keys
}
