package kvs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	cfkvstypes "github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore/types"

	"github.com/endlessm/helpcenter/internal/objstore"
)

func TestComputePlan_NewKeys(t *testing.T) {
	desired := []Entry{
		{Key: "/C", Value: "/C/"},
		{Key: "/C/gnome-help", Value: "/C/gnome-help/"},
	}

	plan := ComputePlan(desired, map[string]string{})
	if len(plan.Puts) != 2 {
		t.Errorf("expected 2 puts, got %d", len(plan.Puts))
	}
	if len(plan.Deletes) != 0 {
		t.Errorf("expected 0 deletes, got %d", len(plan.Deletes))
	}
}

func TestComputePlan_DeleteOldKeys(t *testing.T) {
	desired := []Entry{{Key: "/C", Value: "/C/"}}
	existing := map[string]string{
		"/C":     "/C/",
		"/stale": "/stale/",
		"/old":   "/old/",
	}

	plan := ComputePlan(desired, existing)
	if len(plan.Puts) != 0 {
		t.Errorf("expected 0 puts (unchanged), got %d", len(plan.Puts))
	}
	if len(plan.Deletes) != 2 || plan.Deletes[0] != "/old" || plan.Deletes[1] != "/stale" {
		t.Errorf("expected sorted deletes [/old /stale], got %v", plan.Deletes)
	}
}

func TestComputePlan_ChangedValue(t *testing.T) {
	plan := ComputePlan(
		[]Entry{{Key: "/C", Value: "/en/"}},
		map[string]string{"/C": "/C/"},
	)
	if len(plan.Puts) != 1 || plan.Puts[0].Value != "/en/" {
		t.Errorf("expected 1 put with new value, got %v", plan.Puts)
	}
	if !(&Plan{}).Empty() || plan.Empty() {
		t.Error("Empty reported the wrong result")
	}
}

type fakeKVS struct {
	etag    string
	pages   [][]cfkvstypes.ListKeysResponseListItem
	updates []*cloudfrontkeyvaluestore.UpdateKeysInput
	failAt  int
}

func (f *fakeKVS) DescribeKeyValueStore(context.Context, *cloudfrontkeyvaluestore.DescribeKeyValueStoreInput, ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.DescribeKeyValueStoreOutput, error) {
	return &cloudfrontkeyvaluestore.DescribeKeyValueStoreOutput{ETag: aws.String(f.etag)}, nil
}

func (f *fakeKVS) ListKeys(_ context.Context, params *cloudfrontkeyvaluestore.ListKeysInput, _ ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.ListKeysOutput, error) {
	page := 0
	if params.NextToken != nil {
		fmt.Sscanf(*params.NextToken, "page-%d", &page)
	}
	out := &cloudfrontkeyvaluestore.ListKeysOutput{Items: f.pages[page]}
	if page+1 < len(f.pages) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

func (f *fakeKVS) UpdateKeys(_ context.Context, params *cloudfrontkeyvaluestore.UpdateKeysInput, _ ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.UpdateKeysOutput, error) {
	f.updates = append(f.updates, params)
	if f.failAt > 0 && len(f.updates) == f.failAt {
		return nil, errors.New("precondition failed")
	}
	return &cloudfrontkeyvaluestore.UpdateKeysOutput{ETag: aws.String(fmt.Sprintf("etag-%d", len(f.updates)))}, nil
}

func item(k, v string) cfkvstypes.ListKeysResponseListItem {
	return cfkvstypes.ListKeysResponseListItem{Key: aws.String(k), Value: aws.String(v)}
}

func TestFetchExisting_Paginates(t *testing.T) {
	client := &fakeKVS{
		etag: "etag-0",
		pages: [][]cfkvstypes.ListKeysResponseListItem{
			{item("/a", "/a/")},
			{item("/b", "/b/")},
		},
	}

	existing, etag, err := FetchExisting(context.Background(), client, "arn:kvs")
	if err != nil {
		t.Fatal(err)
	}
	if etag != "etag-0" {
		t.Errorf("expected etag-0, got %s", etag)
	}
	if len(existing) != 2 || existing["/b"] != "/b/" {
		t.Errorf("unexpected keys %v", existing)
	}
}

func TestApply_BatchesAndChainsETags(t *testing.T) {
	var plan Plan
	for i := 0; i < 70; i++ {
		plan.Puts = append(plan.Puts, Entry{Key: fmt.Sprintf("/p%02d", i), Value: "v"})
	}
	for i := 0; i < 40; i++ {
		plan.Deletes = append(plan.Deletes, fmt.Sprintf("/d%02d", i))
	}

	client := &fakeKVS{}
	if err := Apply(context.Background(), client, "arn:kvs", "etag-0", &plan); err != nil {
		t.Fatal(err)
	}

	if len(client.updates) != 3 {
		t.Fatalf("expected 3 batches for 110 ops, got %d", len(client.updates))
	}
	sizes := []int{}
	for i, u := range client.updates {
		sizes = append(sizes, len(u.Puts)+len(u.Deletes))
		if want := fmt.Sprintf("etag-%d", i); aws.ToString(u.IfMatch) != want {
			t.Errorf("batch %d: expected IfMatch %s, got %s", i, want, aws.ToString(u.IfMatch))
		}
	}
	if sizes[0] != 50 || sizes[1] != 50 || sizes[2] != 10 {
		t.Errorf("unexpected batch sizes %v", sizes)
	}
	// puts come before deletes: batch two holds the last 20 puts and the first 30 deletes
	if len(client.updates[1].Puts) != 20 || len(client.updates[1].Deletes) != 30 {
		t.Errorf("unexpected batch two layout: %d puts, %d deletes",
			len(client.updates[1].Puts), len(client.updates[1].Deletes))
	}
}

func TestApply_EmptyPlan(t *testing.T) {
	client := &fakeKVS{}
	if err := Apply(context.Background(), client, "arn:kvs", "e", &Plan{}); err != nil {
		t.Fatal(err)
	}
	if len(client.updates) != 0 {
		t.Errorf("expected no calls, got %d", len(client.updates))
	}
}

func TestApply_Error(t *testing.T) {
	client := &fakeKVS{failAt: 1}
	err := Apply(context.Background(), client, "arn:kvs", "e", &Plan{Deletes: []string{"/x"}})
	if !errors.Is(err, objstore.ErrRemoteUnavailable) {
		t.Errorf("expected ErrRemoteUnavailable, got %v", err)
	}
}

type fakeResolver struct {
	pages []*cftypes.KeyValueStoreList
	calls int
}

func (f *fakeResolver) ListKeyValueStores(context.Context, *cloudfront.ListKeyValueStoresInput, ...func(*cloudfront.Options)) (*cloudfront.ListKeyValueStoresOutput, error) {
	page := f.pages[f.calls]
	f.calls++
	return &cloudfront.ListKeyValueStoresOutput{KeyValueStoreList: page}, nil
}

func TestResolveARN(t *testing.T) {
	client := &fakeResolver{pages: []*cftypes.KeyValueStoreList{
		{
			Items:      []cftypes.KeyValueStore{{Name: aws.String("other"), ARN: aws.String("arn:other")}},
			NextMarker: aws.String("m1"),
		},
		{
			Items: []cftypes.KeyValueStore{{Name: aws.String("helpcenter-redirects"), ARN: aws.String("arn:redirects")}},
		},
	}}

	arn, err := ResolveARN(context.Background(), client, "helpcenter-redirects")
	if err != nil {
		t.Fatal(err)
	}
	if arn != "arn:redirects" {
		t.Errorf("expected arn:redirects, got %s", arn)
	}

	client = &fakeResolver{pages: []*cftypes.KeyValueStoreList{{}}}
	if _, err := ResolveARN(context.Background(), client, "missing"); err == nil {
		t.Error("expected error for unknown store")
	}
}

func TestDirectoryRedirects(t *testing.T) {
	keys := []string{
		"index.html",
		"C/index.html",
		"C/gnome-help/index.html",
		"C/gnome-help/index.html",
		"C/gnome-help/style.css",
		"es/start.html",
	}
	got := DirectoryRedirects(keys, "index.html")
	want := []Entry{
		{Key: "/C", Value: "/C/"},
		{Key: "/C/gnome-help", Value: "/C/gnome-help/"},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestScope(t *testing.T) {
	existing := map[string]string{
		"/master":       "/master/",
		"/master/C":     "/master/C/",
		"/master-old/C": "/master-old/C/",
		"/eos3.9/C":     "/eos3.9/C/",
	}

	scoped := Scope(existing, "master")
	var keys []string
	for k := range scoped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if fmt.Sprint(keys) != "[/master /master/C]" {
		t.Errorf("unexpected scoped keys %v", keys)
	}

	if len(Scope(existing, "")) != len(existing) {
		t.Error("empty branch should manage every key")
	}
}
