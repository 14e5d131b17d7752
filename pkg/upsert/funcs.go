package upsert

import (
	"context"

	"github.com/MrWong99/recordkit/pkg/record"
)

// The functions below take the store explicitly and run on a pipeline with
// default options.

// FindBy is [Pipeline.FindBy] on store.
func FindBy(ctx context.Context, store Store, rec record.Record, sel Selectors) Outcome {
	return New(store).FindBy(ctx, rec, sel)
}

// Find is [Pipeline.Find] on store.
func Find(ctx context.Context, store Store, rec record.Record) Outcome {
	return New(store).Find(ctx, rec)
}

// OrCreate is [Pipeline.OrCreate] on store.
func OrCreate(ctx context.Context, store Store, out Outcome) (record.Record, error) {
	return New(store).OrCreate(ctx, out)
}

// UpdateOrInsert is [Pipeline.UpdateOrInsert] on store.
func UpdateOrInsert(ctx context.Context, store Store, out Outcome) (record.Record, error) {
	return New(store).UpdateOrInsert(ctx, out)
}

// FindOrCreateBy is [Pipeline.FindOrCreateBy] on store.
func FindOrCreateBy(ctx context.Context, store Store, rec record.Record, sel Selectors) (record.Record, error) {
	return New(store).FindOrCreateBy(ctx, rec, sel)
}

// FindOrCreate is [Pipeline.FindOrCreate] on store.
func FindOrCreate(ctx context.Context, store Store, rec record.Record) (record.Record, error) {
	return New(store).FindOrCreate(ctx, rec)
}

// UpsertBy is [Pipeline.UpsertBy] on store.
func UpsertBy(ctx context.Context, store Store, rec record.Record, sel Selectors) (record.Record, error) {
	return New(store).UpsertBy(ctx, rec, sel)
}

// Upsert is [Pipeline.Upsert] on store.
func Upsert(ctx context.Context, store Store, rec record.Record) (record.Record, error) {
	return New(store).Upsert(ctx, rec)
}
