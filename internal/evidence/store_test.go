package evidence

import (
	"context"
	"errors"
	"testing"

	xerrors "VeriSwarm/internal/errors"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := sampleBundle()
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, first); !errors.Is(err, ErrBundleExists) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	second := sampleBundle()
	second.BundleID = "bundle-2"
	second.FinalOutput = "Revenue grew 13%."
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := store.Get(ctx, "bundle-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IntegrityHash() != first.IntegrityHash() {
		t.Fatalf("stored bundle hash drifted")
	}
	got.FinalOutput = "tampered"
	again, _ := store.Get(ctx, "bundle-1")
	if again.FinalOutput != first.FinalOutput {
		t.Fatalf("store returned shared state")
	}

	latest, err := store.LatestForTask(ctx, "wf-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.BundleID != "bundle-2" {
		t.Fatalf("expected latest bundle-2, got %s", latest.BundleID)
	}

	list, err := store.List(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].BundleID != "bundle-2" {
		t.Fatalf("unexpected list: %+v", list)
	}

	if _, err := store.Get(ctx, "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.LatestForTask(ctx, "missing"); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ids := store.TaskIDs(); len(ids) != 1 || ids[0] != "wf-1" {
		t.Fatalf("unexpected task ids: %v", ids)
	}
}

func TestMemoryStoreValidation(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Save(context.Background(), &Bundle{TaskID: "wf"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := store.Save(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil bundle")
	}
}
