package container

import (
	"strings"

	"github.com/cortexgw/cortex/pkg/models"
)

const gib = float64(1 << 30)

// bytesPerWeight maps a dtype/quantization pair to the storage cost of one
// parameter. 4-bit quantizations round to half a byte.
func bytesPerWeight(dtype, quantization string) float64 {
	switch strings.ToLower(quantization) {
	case "awq", "gptq", "awq_marlin", "gptq_marlin":
		return 0.5
	case "fp8", "int8":
		return 1
	}
	switch strings.ToLower(dtype) {
	case "fp8", "int8":
		return 1
	case "fp32", "float32":
		return 4
	default: // bf16 / fp16 and unknown
		return 2
	}
}

// bytesPerKV mirrors the weight dtype unless the KV cache is quantized.
func bytesPerKV(kvDtype, dtype string) float64 {
	switch strings.ToLower(kvDtype) {
	case "fp8", "fp8_e4m3", "fp8_e5m2", "int8", "q8_0":
		return 1
	case "q4_0", "q4_1":
		return 0.5
	case "":
		return bytesPerWeight(dtype, "")
	default:
		return bytesPerWeight(kvDtype, "")
	}
}

// Conservative geometry defaults used when inspection did not fill the
// model's dimensions. They approximate a 7B-class decoder.
const (
	defaultParamsBillion = 7.0
	defaultHiddenSize    = 4096
	defaultNumLayers     = 32
	defaultContext       = 4096
	defaultMaxNumSeqs    = 256
)

// EstimateVRAM computes the dry-run memory breakdown:
//
//	weights = params · bytes_per_weight(dtype, quant)
//	kv      = min(avg_active_tokens · max_num_seqs, max_batched_tokens)
//	          · layers · 2 · hidden · bytes_per_kv / tensor_parallel
//	overhead = 15% of (weights + kv)
//
// The result is the per-GPU requirement when tensor parallelism divides
// the weights.
func EstimateVRAM(m *models.Model) models.VRAMEstimate {
	c := m.Config

	params := c.ParamsBillion
	if params <= 0 {
		params = defaultParamsBillion
	}
	hidden := c.HiddenSize
	if hidden <= 0 {
		hidden = defaultHiddenSize
	}
	layers := c.NumLayers
	if layers <= 0 {
		layers = defaultNumLayers
	}
	ctx := c.ContextLength
	if ctx <= 0 {
		ctx = defaultContext
	}
	maxSeqs := c.MaxNumSeqs
	if maxSeqs <= 0 {
		maxSeqs = defaultMaxNumSeqs
	}
	tp := c.TensorParallel
	if tp <= 0 {
		tp = 1
	}

	weightsBytes := params * 1e9 * bytesPerWeight(c.Dtype, c.Quantization)

	// Average active tokens per sequence: half the context window.
	activeTokens := float64(ctx) / 2 * float64(maxSeqs)
	if c.MaxNumBatchedTokens > 0 && float64(c.MaxNumBatchedTokens) < activeTokens {
		activeTokens = float64(c.MaxNumBatchedTokens)
	}
	kvBytes := activeTokens * float64(layers) * 2 * float64(hidden) *
		bytesPerKV(c.KVCacheDtype, c.Dtype) / float64(tp)

	weightsGB := weightsBytes / float64(tp) / gib
	kvGB := kvBytes / gib
	overheadGB := 0.15 * (weightsGB + kvGB)

	return models.VRAMEstimate{
		WeightsGB:      weightsGB,
		KVCacheGB:      kvGB,
		OverheadGB:     overheadGB,
		RequiredVRAMGB: weightsGB + kvGB + overheadGB,
	}
}
