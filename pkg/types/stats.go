package types

// OptimizationStats describes a single OptimizeContext call.
type OptimizationStats struct {
	OriginalChunks int `json:"originalChunks"`
	OriginalTokens int `json:"originalTokens"`
	SelectedChunks int `json:"selectedChunks"`
	SelectedTokens int `json:"selectedTokens"`

	// ReductionPercentage is (1 - selected/original) * 100, or 0 when the
	// registry was empty.
	ReductionPercentage float64 `json:"reductionPercentage"`

	ProcessingTimeMs float64 `json:"processingTimeMs"`
}

// CumulativeStats aggregates across all optimizations performed by one
// manager since construction or the last ResetCumulativeStats. Clearing
// the registry does not reset it.
type CumulativeStats struct {
	TotalOptimizations         int     `json:"totalOptimizations"`
	TotalTokensProcessed       int     `json:"totalTokensProcessed"`
	AverageReductionPercentage float64 `json:"averageReductionPercentage"`
}
