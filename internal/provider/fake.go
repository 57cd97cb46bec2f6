package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/1benisin/brickops-sub002/internal/model"
)

// Fake is a scripted in-memory adapter used by tests and staging builds.
// Effects are idempotent per key, like the real adapters.
type Fake struct {
	Name model.Provider

	mu      sync.Mutex
	nextLot int
	// Fail queues an error to return for the next matching call.
	failures map[string]error
	// Lots holds the mirrored quantity per external lot ID.
	Lots map[string]int64
	// Calls records every effective (non-suppressed) mutation.
	Calls []string
	seen  map[string]string
	// References served by FetchReference, keyed by table|primary|secondary.
	References map[string]*Reference
}

// NewFake builds a fake adapter for the named provider.
func NewFake(name model.Provider) *Fake {
	return &Fake{
		Name:       name,
		failures:   make(map[string]error),
		Lots:       make(map[string]int64),
		seen:       make(map[string]string),
		References: make(map[string]*Reference),
	}
}

// Provider names the marketplace this fake stands in for.
func (f *Fake) Provider() model.Provider { return f.Name }

// FailNext scripts an error for the next call of the given op
// ("create", "update", "delete", "fetch").
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *Fake) takeFailure(op string) error {
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

// EffectiveCalls returns how many mutations actually ran.
func (f *Fake) EffectiveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

func (f *Fake) CreateLot(_ context.Context, _ string, payload LotPayload, idempotencyKey string) (*CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lotID, ok := f.seen[idempotencyKey]; ok {
		return &CreateResult{ExternalLotID: lotID}, nil
	}
	if err := f.takeFailure("create"); err != nil {
		return nil, err
	}
	f.nextLot++
	lotID := fmt.Sprintf("%s-%d", f.Name, f.nextLot)
	f.Lots[lotID] = payload.Quantity
	f.seen[idempotencyKey] = lotID
	f.Calls = append(f.Calls, "create "+lotID)
	return &CreateResult{ExternalLotID: lotID}, nil
}

func (f *Fake) UpdateLot(_ context.Context, _ string, externalLotID string, delta UpdateDelta, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[idempotencyKey]; ok {
		return nil
	}
	if err := f.takeFailure("update"); err != nil {
		return err
	}
	if _, ok := f.Lots[externalLotID]; !ok {
		return &model.AdapterError{Outcome: model.OutcomeNotFound, Detail: "unknown lot " + externalLotID}
	}
	switch {
	case delta.Absolute != nil:
		f.Lots[externalLotID] = *delta.Absolute
	case delta.Relative != nil:
		f.Lots[externalLotID] += *delta.Relative
	default:
		f.Lots[externalLotID] += delta.Delta
	}
	f.seen[idempotencyKey] = externalLotID
	f.Calls = append(f.Calls, fmt.Sprintf("update %s %+d", externalLotID, delta.Delta))
	return nil
}

func (f *Fake) DeleteLot(_ context.Context, _ string, externalLotID, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[idempotencyKey]; ok {
		return nil
	}
	if err := f.takeFailure("delete"); err != nil {
		return err
	}
	delete(f.Lots, externalLotID)
	f.seen[idempotencyKey] = externalLotID
	f.Calls = append(f.Calls, "delete "+externalLotID)
	return nil
}

func (f *Fake) FetchReference(_ context.Context, table model.CatalogTable, primaryKey, secondaryKey string) (*Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("fetch"); err != nil {
		return nil, err
	}
	ref, ok := f.References[string(table)+"|"+primaryKey+"|"+secondaryKey]
	if !ok {
		return nil, &model.AdapterError{Outcome: model.OutcomeNotFound, Detail: "no such reference"}
	}
	return ref, nil
}
