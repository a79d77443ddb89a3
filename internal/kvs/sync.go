package kvs

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	cfkvstypes "github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore/types"

	"github.com/endlessm/helpcenter/internal/objstore"
)

// Client abstracts the CloudFront KeyValueStore data API.
type Client interface {
	DescribeKeyValueStore(ctx context.Context, params *cloudfrontkeyvaluestore.DescribeKeyValueStoreInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.DescribeKeyValueStoreOutput, error)
	ListKeys(ctx context.Context, params *cloudfrontkeyvaluestore.ListKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.ListKeysOutput, error)
	UpdateKeys(ctx context.Context, params *cloudfrontkeyvaluestore.UpdateKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.UpdateKeysOutput, error)
}

// ARNResolver abstracts the CloudFront call that lists stores by name.
type ARNResolver interface {
	ListKeyValueStores(ctx context.Context, params *cloudfront.ListKeyValueStoresInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListKeyValueStoresOutput, error)
}

// maxKeysPerBatch is the UpdateKeys limit on puts plus deletes.
const maxKeysPerBatch = 50

// ResolveARN finds the ARN of the store called name.
func ResolveARN(ctx context.Context, client ARNResolver, name string) (string, error) {
	var marker *string
	for {
		resp, err := client.ListKeyValueStores(ctx, &cloudfront.ListKeyValueStoresInput{Marker: marker})
		if err != nil {
			return "", fmt.Errorf("%w: listing key value stores: %v", objstore.ErrRemoteUnavailable, err)
		}
		if resp.KeyValueStoreList == nil {
			break
		}
		for _, item := range resp.KeyValueStoreList.Items {
			if aws.ToString(item.Name) == name && item.ARN != nil {
				return *item.ARN, nil
			}
		}
		marker = resp.KeyValueStoreList.NextMarker
		if marker == nil {
			break
		}
	}
	return "", fmt.Errorf("key value store not found: %s", name)
}

// FetchExisting reads every key of the store along with the ETag that
// the first UpdateKeys call must match.
func FetchExisting(ctx context.Context, client Client, arn string) (map[string]string, string, error) {
	desc, err := client.DescribeKeyValueStore(ctx, &cloudfrontkeyvaluestore.DescribeKeyValueStoreInput{
		KvsARN: aws.String(arn),
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: describing key value store %s: %v", objstore.ErrRemoteUnavailable, arn, err)
	}

	existing := make(map[string]string)
	var next *string
	for {
		resp, err := client.ListKeys(ctx, &cloudfrontkeyvaluestore.ListKeysInput{
			KvsARN:    aws.String(arn),
			NextToken: next,
		})
		if err != nil {
			return nil, "", fmt.Errorf("%w: listing keys of %s: %v", objstore.ErrRemoteUnavailable, arn, err)
		}
		for _, item := range resp.Items {
			existing[aws.ToString(item.Key)] = aws.ToString(item.Value)
		}
		next = resp.NextToken
		if next == nil {
			break
		}
	}

	return existing, aws.ToString(desc.ETag), nil
}

// ComputePlan compares the desired entries with the existing keys.
// Deletes are sorted.
func ComputePlan(desired []Entry, existing map[string]string) *Plan {
	plan := &Plan{}
	wanted := make(map[string]bool, len(desired))
	for _, e := range desired {
		wanted[e.Key] = true
		if v, ok := existing[e.Key]; !ok || v != e.Value {
			plan.Puts = append(plan.Puts, e)
		}
	}
	for key := range existing {
		if !wanted[key] {
			plan.Deletes = append(plan.Deletes, key)
		}
	}
	sort.Strings(plan.Deletes)
	return plan
}

// Apply writes plan to the store in batches, threading the ETag returned
// by each batch into the next.
func Apply(ctx context.Context, client Client, arn, etag string, plan *Plan) error {
	type op struct {
		put *cfkvstypes.PutKeyRequestListItem
		del *cfkvstypes.DeleteKeyRequestListItem
	}

	ops := make([]op, 0, len(plan.Puts)+len(plan.Deletes))
	for _, e := range plan.Puts {
		ops = append(ops, op{put: &cfkvstypes.PutKeyRequestListItem{
			Key:   aws.String(e.Key),
			Value: aws.String(e.Value),
		}})
	}
	for _, key := range plan.Deletes {
		ops = append(ops, op{del: &cfkvstypes.DeleteKeyRequestListItem{Key: aws.String(key)}})
	}

	current := etag
	for start := 0; start < len(ops); start += maxKeysPerBatch {
		end := min(start+maxKeysPerBatch, len(ops))

		input := &cloudfrontkeyvaluestore.UpdateKeysInput{
			KvsARN:  aws.String(arn),
			IfMatch: aws.String(current),
		}
		for _, o := range ops[start:end] {
			if o.put != nil {
				input.Puts = append(input.Puts, *o.put)
			} else {
				input.Deletes = append(input.Deletes, *o.del)
			}
		}

		resp, err := client.UpdateKeys(ctx, input)
		if err != nil {
			return fmt.Errorf("%w: updating keys %d-%d of %d in %s: %v",
				objstore.ErrRemoteUnavailable, start+1, end, len(ops), arn, err)
		}
		if resp.ETag != nil {
			current = *resp.ETag
		}
	}
	return nil
}
