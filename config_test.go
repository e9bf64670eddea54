package main

import "testing"

func TestDefaultConfigScanPolicy(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ShallowDepth != 2 || cfg.DeepDepth != 16 {
		t.Fatalf("unexpected depths: shallow %d deep %d", cfg.ShallowDepth, cfg.DeepDepth)
	}
	if cfg.ShallowDepth >= cfg.DeepDepth {
		t.Fatalf("shallow depth must stay below deep depth")
	}
	if cfg.BranchingLimit != 4 {
		t.Fatalf("unexpected branching limit %d", cfg.BranchingLimit)
	}
	if cfg.SignificanceThresholdCP != 60 {
		t.Fatalf("unexpected significance threshold %d", cfg.SignificanceThresholdCP)
	}
	if cfg.TimeoutSeconds != 18.0 {
		t.Fatalf("unexpected timeout %v", cfg.TimeoutSeconds)
	}
	if cfg.EnginePoolSize != 2 || cfg.EnginePath != "stockfish" {
		t.Fatalf("unexpected engine settings: %+v", cfg)
	}
	if cfg.TreeTTLSeconds != 1800 {
		t.Fatalf("unexpected tree ttl %d", cfg.TreeTTLSeconds)
	}
}

func TestConfigStoreUpdateAndGet(t *testing.T) {
	store := NewConfigStore(DefaultConfig())

	updated := store.Get()
	updated.ShallowDepth = 4
	updated.SignificanceThresholdCP = 90
	store.Update(updated)

	got := store.Get()
	if got.ShallowDepth != 4 || got.SignificanceThresholdCP != 90 {
		t.Fatalf("update not visible: %+v", got)
	}
}

func TestConfigStoreGetReturnsACopy(t *testing.T) {
	store := NewConfigStore(DefaultConfig())
	got := store.Get()
	got.DeepDepth = 1

	if store.Get().DeepDepth != 16 {
		t.Fatalf("mutating a returned config must not affect the store")
	}
}

func TestConfigStoresAreIndependent(t *testing.T) {
	a := NewConfigStore(DefaultConfig())
	b := NewConfigStore(DefaultConfig())

	cfg := a.Get()
	cfg.BranchingLimit = 9
	a.Update(cfg)

	if b.Get().BranchingLimit == 9 {
		t.Fatalf("stores must not share state")
	}
}
