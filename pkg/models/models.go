// Package models defines the shared data model for the CORTEX gateway:
// configured models and their lifecycle states, API keys, usage telemetry,
// in-memory health snapshots, and the folder-inspection report types.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Engines ─────────────────────────────────────────────────

// EngineKind identifies the backend engine family serving a model.
type EngineKind string

const (
	// EngineTransformers is the GPU-centric engine loading safetensors
	// checkpoints (tensor parallelism, prefix caching, chunked prefill).
	EngineTransformers EngineKind = "transformers-server"

	// EngineGGUF is the engine loading single- or multi-part GGUF files
	// (speculative decoding, quantized KV cache, mlock/mmap controls).
	EngineGGUF EngineKind = "gguf-server"
)

// Valid reports whether the engine kind is one of the two known families.
func (e EngineKind) Valid() bool {
	return e == EngineTransformers || e == EngineGGUF
}

// ── Model lifecycle ─────────────────────────────────────────

// ModelState is the administrative lifecycle state of a model.
type ModelState string

const (
	StateStopped  ModelState = "stopped"
	StateStarting ModelState = "starting"
	StateLoading  ModelState = "loading"
	StateRunning  ModelState = "running"
	StateFailed   ModelState = "failed"
	StateArchived ModelState = "archived"
)

// Active reports whether the state implies a live (or starting) container,
// and therefore a non-null port and container name.
func (s ModelState) Active() bool {
	return s == StateStarting || s == StateLoading || s == StateRunning
}

// ── Model ───────────────────────────────────────────────────

// Model is the configured unit of inference. The registry owns the row;
// the container controller is the only writer of State, Port and
// ContainerName.
type Model struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	ServedName    string      `json:"served_name"`
	Engine        EngineKind  `json:"engine"`
	RepoID        string      `json:"repo_id,omitempty"`
	LocalPath     string      `json:"local_path,omitempty"`
	ImageTag      string      `json:"image_tag"`
	Config        ModelConfig `json:"config"`
	State         ModelState  `json:"state"`
	LastError     string      `json:"last_error,omitempty"`
	Port          int         `json:"port,omitempty"`
	ContainerName string      `json:"container_name,omitempty"`
	Enabled       bool        `json:"enabled"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ModelConfig is the engine configuration bundle. It is a closed struct:
// unknown fields are rejected on ingress and the same JSON shape is
// presented on egress. Fields apply to one engine family or the other;
// the command builder ignores fields foreign to the model's engine.
type ModelConfig struct {
	// Shared
	ContextLength int    `json:"context_length,omitempty"`
	GPUs          any    `json:"gpus,omitempty"` // list-of-int, JSON string, or double-encoded JSON
	KVCacheDtype  string `json:"kv_cache_dtype,omitempty"`
	FlashAttention bool  `json:"flash_attention,omitempty"`
	DebugLogging  bool   `json:"debug_logging,omitempty"`
	TraceMode     bool   `json:"trace_mode,omitempty"`
	TokenizerPath string `json:"tokenizer_path,omitempty"` // local tokenizer config, overrides TokenizerRepo
	TokenizerRepo string `json:"tokenizer_repo,omitempty"` // remote repo id for the tokenizer
	EntrypointOverride string `json:"entrypoint_override,omitempty"`

	// transformers-server
	TensorParallel       int     `json:"tensor_parallel,omitempty"`
	Quantization         string  `json:"quantization,omitempty"`
	AttentionBackend     string  `json:"attention_backend,omitempty"`
	GGUFWeightFormat     string  `json:"gguf_weight_format,omitempty"`
	VLLMV1Enabled        bool    `json:"vllm_v1_enabled,omitempty"`
	EngineRequestTimeout int     `json:"engine_request_timeout,omitempty"`
	EnforceEager         bool    `json:"enforce_eager,omitempty"`
	EnablePrefixCaching  bool    `json:"enable_prefix_caching,omitempty"`
	EnableChunkedPrefill bool    `json:"enable_chunked_prefill,omitempty"`
	MaxNumSeqs           int     `json:"max_num_seqs,omitempty"`
	MaxNumBatchedTokens  int     `json:"max_num_batched_tokens,omitempty"`
	CPUOffloadGB         float64 `json:"cpu_offload_gb,omitempty"`
	SwapSpaceGB          float64 `json:"swap_space_gb,omitempty"`
	BlockSize            int     `json:"block_size,omitempty"`

	// gguf-server
	GPULayers      int     `json:"gpu_layers,omitempty"`
	TensorSplit    string  `json:"tensor_split,omitempty"`
	DraftModelPath string  `json:"draft_model_path,omitempty"`
	DraftN         int     `json:"draft_n,omitempty"`
	DraftPMin      float64 `json:"draft_p_min,omitempty"`
	MLock          bool    `json:"mlock,omitempty"`
	NoMmap         bool    `json:"no_mmap,omitempty"`
	NUMAPolicy     string  `json:"numa_policy,omitempty"`
	SplitMode      string  `json:"split_mode,omitempty"`
	BatchSize      int     `json:"batch_size,omitempty"`
	UBatchSize     int     `json:"ubatch_size,omitempty"`
	Threads        int     `json:"threads,omitempty"`
	ParallelSlots  int     `json:"parallel_slots,omitempty"`
	RopeFreqBase   float64 `json:"rope_freq_base,omitempty"`
	RopeFreqScale  float64 `json:"rope_freq_scale,omitempty"`

	// Model geometry used by the VRAM estimator (filled from inspection
	// or the admin UI; zero values fall back to conservative defaults).
	ParamsBillion float64 `json:"params_billion,omitempty"`
	HiddenSize    int     `json:"hidden_size,omitempty"`
	NumLayers     int     `json:"num_layers,omitempty"`
	Dtype         string  `json:"dtype,omitempty"`
}

// NormalizeGPUs accepts the three historical encodings of the gpus field
// (list of ints, JSON string, double-encoded JSON string) and returns a
// clean integer list. nil means "all visible GPUs". Every reader and
// writer of the field goes through this one routine.
func NormalizeGPUs(v any) ([]int, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []int:
		return t, nil
	case []any:
		out := make([]int, 0, len(t))
		for _, e := range t {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			case json.Number:
				i, err := n.Int64()
				if err != nil {
					return nil, fmt.Errorf("gpus: %w", err)
				}
				out = append(out, int(i))
			default:
				return nil, fmt.Errorf("gpus: unsupported element type %T", e)
			}
		}
		return out, nil
	case string:
		s := t
		if s == "" || s == "null" {
			return nil, nil
		}
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, fmt.Errorf("gpus: %w", err)
		}
		// Double-encoded values decode to another string; recurse.
		return NormalizeGPUs(inner)
	default:
		return nil, fmt.Errorf("gpus: unsupported type %T", v)
	}
}

// ── Credentials ─────────────────────────────────────────────

// ApiKey is an opaque bearer token. Only the hash and a short non-secret
// prefix are stored; the raw token is shown exactly once at creation.
type ApiKey struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Hash       string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	UserID     int64      `json:"user_id"`
	OrgID      int64      `json:"org_id,omitempty"`
	Disabled   bool       `json:"disabled"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// HasScope reports whether the key carries the given scope. An empty scope
// list means full access.
func (k *ApiKey) HasScope(scope string) bool {
	if len(k.Scopes) == 0 {
		return true
	}
	for _, s := range k.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// User is an admin-plane account.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"` // "admin" or "member"
	OrgID     int64     `json:"org_id,omitempty"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Organization groups users and keys for metering.
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an admin cookie session tied to a user.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ── Usage ───────────────────────────────────────────────────

// TaskKind is the inference task a request performed.
type TaskKind string

const (
	TaskChat       TaskKind = "chat"
	TaskCompletion TaskKind = "completion"
	TaskEmbedding  TaskKind = "embedding"
)

// UsageRecord is append-only per-request telemetry.
type UsageRecord struct {
	ID               int64     `json:"id"`
	KeyID            int64     `json:"key_id"`
	ServedName       string    `json:"served_name"`
	Task             TaskKind  `json:"task"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	TTFTMS           int64     `json:"ttft_ms,omitempty"`
	Status           int       `json:"status"`
	RequestID        string    `json:"request_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// ── In-memory snapshots ─────────────────────────────────────

// HealthSnapshot is the poller's last view of one backend URL.
type HealthSnapshot struct {
	BaseURL        string        `json:"base_url"`
	LastProbeAt    time.Time     `json:"last_probe_at"`
	LastStatus     int           `json:"last_status"`
	Healthy        bool          `json:"healthy"`
	ConsecFails    int           `json:"consecutive_failures"`
	RollingLatency time.Duration `json:"rolling_latency"`
}

// ── VRAM estimation ─────────────────────────────────────────

// VRAMEstimate is the dry-run memory breakdown for one model.
type VRAMEstimate struct {
	WeightsGB      float64 `json:"weights_gb"`
	KVCacheGB      float64 `json:"kv_cache_gb"`
	OverheadGB     float64 `json:"overhead_gb"`
	RequiredVRAMGB float64 `json:"required_vram_gb"`
}
