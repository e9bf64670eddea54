package main

import "sync"

type Config struct {
	// Dual-depth scan policy
	ShallowDepth               int     `json:"shallow_depth"`
	DeepDepth                  int     `json:"deep_depth"`
	BranchingLimit             int     `json:"branching_limit"`
	MaxPVPlies                 int     `json:"max_pv_plies"`
	SignificanceThresholdCP    int     `json:"significance_threshold_cp"`
	IncludeAnnotatedTranscript bool    `json:"include_annotated_transcript"`
	TranscriptMaxChars         int     `json:"transcript_max_chars"`
	TimeoutSeconds             float64 `json:"timeout_seconds"`

	// Classification cutoffs applied to the deep root evaluation
	WinningThresholdCP int `json:"winning_threshold_cp"`
	CriticalGapCP      int `json:"critical_gap_cp"`

	// Engine process settings
	EnginePath          string `json:"engine_path"`
	EnginePoolSize      int    `json:"engine_pool_size"`
	EngineQueueCapacity int    `json:"engine_queue_capacity"`
	EngineMultiPVCap    int    `json:"engine_multipv_cap"`

	// Goal-directed (target) search defaults
	TargetMaxDepth       int `json:"target_max_depth"`
	TargetBeamWidth      int `json:"target_beam_width"`
	TargetBranchingLimit int `json:"target_branching_limit"`
	TargetDepthPropose   int `json:"target_depth_propose"`
	TargetDepthReply     int `json:"target_depth_reply"`
	TargetTopKWitnesses  int `json:"target_top_k_witnesses"`
	TargetMaxEngineCalls int `json:"target_max_engine_calls"`
	TargetMaxRetries     int `json:"target_max_retries"`

	// Board tree store
	TreeTTLSeconds int `json:"tree_ttl_seconds"`
}

type ConfigStore struct {
	mu     sync.RWMutex
	config Config
}

func DefaultConfig() Config {
	return Config{
		ShallowDepth:               2,
		DeepDepth:                  16,
		BranchingLimit:             4,
		MaxPVPlies:                 16,
		SignificanceThresholdCP:    60,
		IncludeAnnotatedTranscript: true,
		TranscriptMaxChars:         12000,
		TimeoutSeconds:             18.0,

		WinningThresholdCP: 300,
		CriticalGapCP:      150,

		EnginePath:          "stockfish",
		EnginePoolSize:      2,
		EngineQueueCapacity: 64,
		EngineMultiPVCap:    8,

		TargetMaxDepth:       6,
		TargetBeamWidth:      4,
		TargetBranchingLimit: 6,
		TargetDepthPropose:   6,
		TargetDepthReply:     10,
		TargetTopKWitnesses:  1,
		TargetMaxEngineCalls: 200,
		TargetMaxRetries:     2,

		TreeTTLSeconds: 1800,
	}
}

func NewConfigStore(config Config) *ConfigStore {
	return &ConfigStore{config: config}
}

func (c *ConfigStore) Get() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

func (c *ConfigStore) Update(newConfig Config) {
	c.mu.Lock()
	c.config = newConfig
	c.mu.Unlock()
}
