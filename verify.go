package ao

import (
	"context"
	"fmt"

	"github.com/jsoneaday/ao/internal/cache"
	"github.com/jsoneaday/ao/internal/model"
	"github.com/jsoneaday/ao/internal/source"
)

// VerifyDeterminism runs two independent folds of processID over src through
// host, each against its own fresh in-memory cache, and reports whether they
// produced byte-identical evaluation records (comparing CanonicalBytes,
// which already excludes CachedAt). A module and host that only ever
// produce identical output for identical input will always pass this; any
// divergence means some host import, scheduling detail, or guest behaviour
// is not actually deterministic.
func VerifyDeterminism(ctx context.Context, src source.Source, host Host, loader ModuleLoader, processID string) (bool, []string, error) {
	first, err := replayToRecords(ctx, src, host, loader, processID)
	if err != nil {
		return false, nil, fmt.Errorf("ao: first replay: %w", err)
	}
	second, err := replayToRecords(ctx, src, host, loader, processID)
	if err != nil {
		return false, nil, fmt.Errorf("ao: second replay: %w", err)
	}

	var diffs []string
	if len(first) != len(second) {
		diffs = append(diffs, fmt.Sprintf("record count diverged: %d vs %d", len(first), len(second)))
	}
	n := len(first)
	if len(second) < n {
		n = len(second)
	}
	for i := 0; i < n; i++ {
		if string(first[i].CanonicalBytes()) != string(second[i].CanonicalBytes()) {
			diffs = append(diffs, fmt.Sprintf("record %d (sortKey=%s) diverged", i, first[i].SortKey))
		}
	}
	return len(diffs) == 0, diffs, nil
}

func replayToRecords(ctx context.Context, src source.Source, host Host, loader ModuleLoader, processID string) ([]model.EvaluationRecord, error) {
	c := cache.NewMemory()
	defer c.Close()

	e, err := NewEvaluator(c, src, host, loader, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := e.ReadState(ctx, processID, model.SentinelLatest); err != nil {
		return nil, err
	}
	return c.Range(ctx, processID, model.SentinelGenesis, maxSortKeyProbe)
}
