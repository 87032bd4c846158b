// Package additional implements the per-row "_additionals" enrichment
// from spec §4.5: code-tag ancestry expansion and revenue-category
// escalating lookup, attached to a fetched row before publish.
package additional

import (
	"context"
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/VetIntegrations/devourer/core/fetch"
)

var logger = loggo.GetLogger("devourer.core.additional")

// Fetcher attaches supplementary data to a row, keyed under
// "_additionals" by the caller (spec §4.5).
type Fetcher interface {
	Fetch(ctx context.Context, row fetch.Row) (map[string]any, error)
}

// CodeTagSource executes the two ancestry queries a CodeTagsFetcher
// needs: the direct mapping lookup and the batched ancestor lookup.
type CodeTagSource interface {
	// CodeTagsForCode returns the code_tags rows directly mapped to
	// pmsCodeVetsuccessID, each augmented with its "ancestry" path
	// column (slash-separated id chain).
	CodeTagsForCode(ctx context.Context, pmsCodeVetsuccessID string) ([]fetch.Row, error)
	// CodeTagsByIDs returns the code_tags rows named in ids.
	CodeTagsByIDs(ctx context.Context, ids []string) ([]fetch.Row, error)
}

// CodeTagsFetcher implements CodeAdditionalDataFetcher.fetch_code_tags:
// fetch a code's direct tags, then expand every tag's ancestry chain
// into the full set of ancestor tags, returning everything sorted by
// id (spec §4.5).
type CodeTagsFetcher struct {
	src CodeTagSource
}

// NewCodeTagsFetcher returns a CodeTagsFetcher backed by src.
func NewCodeTagsFetcher(src CodeTagSource) *CodeTagsFetcher {
	return &CodeTagsFetcher{src: src}
}

// FetchCodeTags returns the sorted, ancestry-expanded code tags for
// pmsCodeVetsuccessID.
func (f *CodeTagsFetcher) FetchCodeTags(ctx context.Context, pmsCodeVetsuccessID string) ([]fetch.Row, error) {
	codeTags, err := f.src.CodeTagsForCode(ctx, pmsCodeVetsuccessID)
	if err != nil {
		return nil, errors.Annotate(err, "fetching code tags")
	}
	if len(codeTags) == 0 {
		return codeTags, nil
	}

	ancestorIDs := ancestryIDSet(codeTags)
	if len(ancestorIDs) > 0 {
		ancestors, err := f.src.CodeTagsByIDs(ctx, ancestorIDs)
		if err != nil {
			return nil, errors.Annotate(err, "fetching ancestor code tags")
		}
		logger.Tracef("expanded code %q into %d ancestor tags", pmsCodeVetsuccessID, len(ancestors))
		codeTags = append(codeTags, ancestors...)
	}

	sort.Slice(codeTags, func(i, j int) bool {
		return rowIDLess(codeTags[i]["id"], codeTags[j]["id"])
	})
	return codeTags, nil
}

// ancestryIDSet collects the deduplicated union of every tag's
// slash-separated "ancestry" path (e.g. "1/4/9" -> {"1","4","9"}),
// mirroring the original's itertools.chain over each code_tag's
// ancestry split.
func ancestryIDSet(codeTags []fetch.Row) []string {
	ids := set.NewStrings()
	for _, tag := range codeTags {
		ancestry, _ := tag["ancestry"].(string)
		if ancestry == "" {
			continue
		}
		ids.Add(splitAncestry(ancestry)...)
	}
	return ids.SortedValues()
}

func splitAncestry(ancestry string) []string {
	var out []string
	start := 0
	for i := 0; i < len(ancestry); i++ {
		if ancestry[i] == '/' {
			if i > start {
				out = append(out, ancestry[start:i])
			}
			start = i + 1
		}
	}
	if start < len(ancestry) {
		out = append(out, ancestry[start:])
	}
	return out
}

func rowIDLess(a, b any) bool {
	return compareAsNumberOrString(a, b) < 0
}

// RevenueCategorySource executes a single revenue-category lookup by
// field name and id.
type RevenueCategorySource interface {
	RevenueCategoryBy(ctx context.Context, field string, id int64) (fetch.Row, bool, error)
}

// revenueCategoryProbeOrder mirrors fetch_revenue_category's
// escalating probe: exact category, then its level-2 parent, then its
// level-1 grandparent (spec §4.5).
var revenueCategoryProbeOrder = []string{
	"revenue_category_id",
	"subset_of_level_2_id",
	"subset_of_level_1_id",
}

// RevenueCategoryFetcher implements CodeAdditionalDataFetcher.fetch_revenue_category.
type RevenueCategoryFetcher struct {
	src RevenueCategorySource
}

// NewRevenueCategoryFetcher returns a RevenueCategoryFetcher backed by src.
func NewRevenueCategoryFetcher(src RevenueCategorySource) *RevenueCategoryFetcher {
	return &RevenueCategoryFetcher{src: src}
}

// FetchRevenueCategory probes revenueCategoryProbeOrder in order,
// returning the first matching row, or (nil, false) if none match.
func (f *RevenueCategoryFetcher) FetchRevenueCategory(ctx context.Context, revenueCategoryID int64) (fetch.Row, bool, error) {
	for _, field := range revenueCategoryProbeOrder {
		row, ok, err := f.src.RevenueCategoryBy(ctx, field, revenueCategoryID)
		if err != nil {
			return nil, false, errors.Annotatef(err, "probing revenue category via %q", field)
		}
		if ok {
			return row, true, nil
		}
	}
	return nil, false, nil
}

// CodeFetcher composes CodeTagsFetcher and RevenueCategoryFetcher into
// the single Fetcher the codes table registers (spec §4.5): code_tags
// is attached only when the row carries a pms_code_vetsuccess_id,
// revenue_category only when it carries a revenue_category_id.
type CodeFetcher struct {
	tags     *CodeTagsFetcher
	revenues *RevenueCategoryFetcher
}

// NewCodeFetcher composes tags and revenues into a row-level Fetcher.
func NewCodeFetcher(tags *CodeTagsFetcher, revenues *RevenueCategoryFetcher) *CodeFetcher {
	return &CodeFetcher{tags: tags, revenues: revenues}
}

func (f *CodeFetcher) Fetch(ctx context.Context, row fetch.Row) (map[string]any, error) {
	out := make(map[string]any)

	if pmsCode, ok := row["pms_code_vetsuccess_id"].(string); ok && pmsCode != "" {
		tags, err := f.tags.FetchCodeTags(ctx, pmsCode)
		if err != nil {
			return nil, err
		}
		out["code_tags"] = tags
	}

	if revCatID, ok := asInt64(row["revenue_category_id"]); ok {
		category, found, err := f.revenues.FetchRevenueCategory(ctx, revCatID)
		if err != nil {
			return nil, err
		}
		if found {
			out["revenue_category"] = category
		} else {
			out["revenue_category"] = nil
		}
	}

	return out, nil
}
