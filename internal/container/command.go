package container

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cortexgw/cortex/pkg/models"
)

// Container-side listen ports per engine family.
const (
	transformersPort = 8000
	ggufPort         = 8080
)

// Mount is a host-path bind into the container. Model mounts are always
// read-only; the gateway never writes under the models directory.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// LaunchSpec is the fully resolved container launch plan for one model.
// Assembly is deterministic: the same model row always yields the same spec.
type LaunchSpec struct {
	Image         string
	ContainerName string
	Entrypoint    []string
	Args          []string
	Env           map[string]string
	HostPort      int
	ContainerPort int
	Mounts        []Mount
	GPUs          []int // nil means all visible devices
}

// CommandLine renders the spec as a flat vector for dry-run display.
func (s LaunchSpec) CommandLine() []string {
	out := make([]string, 0, len(s.Entrypoint)+len(s.Args))
	out = append(out, s.Entrypoint...)
	out = append(out, s.Args...)
	return out
}

// ContainerName returns the stable container name for a model. The name is
// what stop and cleanup key on, so it must not depend on mutable config.
func ContainerName(m *models.Model) string {
	return fmt.Sprintf("%s-model-%d", m.Engine, m.ID)
}

// BuildSpec assembles the launch plan for a model from its configuration
// bundle. hostPort is the allocated host port; paths supply the host mount
// roots.
func BuildSpec(m *models.Model, hostPort int, modelsDir, hfCacheDir string) (*LaunchSpec, error) {
	gpus, err := models.NormalizeGPUs(m.Config.GPUs)
	if err != nil {
		return nil, err
	}

	spec := &LaunchSpec{
		Image:         m.ImageTag,
		ContainerName: ContainerName(m),
		Env:           map[string]string{},
		HostPort:      hostPort,
		GPUs:          gpus,
		Mounts: []Mount{
			{Host: modelsDir, Container: "/models", ReadOnly: true},
			{Host: hfCacheDir, Container: "/root/.cache/huggingface"},
		},
	}
	collectiveEnv(spec.Env)
	if gpus != nil {
		spec.Env["CUDA_VISIBLE_DEVICES"] = joinInts(gpus)
	}

	switch m.Engine {
	case models.EngineTransformers:
		spec.ContainerPort = transformersPort
		buildTransformersArgs(m, spec)
	case models.EngineGGUF:
		spec.ContainerPort = ggufPort
		buildGGUFArgs(m, spec)
	default:
		return nil, fmt.Errorf("unknown engine kind %q", m.Engine)
	}
	return spec, nil
}

// collectiveEnv sets the multi-GPU coordination variables on every launch
// so that stuck collective operations time out instead of hanging forever.
func collectiveEnv(env map[string]string) {
	env["NCCL_TIMEOUT"] = "1800"
	env["NCCL_DEBUG"] = "WARN"
	env["NCCL_BLOCKING_WAIT"] = "1"
	env["NCCL_LAUNCH_MODE"] = "GROUP"
}

// ── transformers-server ─────────────────────────────────────

func buildTransformersArgs(m *models.Model, spec *LaunchSpec) {
	c := m.Config

	modelRef := m.RepoID
	if m.LocalPath != "" {
		modelRef = "/models/" + strings.TrimPrefix(m.LocalPath, "/")
	}
	spec.Entrypoint = transformersEntrypoint(m.ImageTag, c.EntrypointOverride, modelRef)

	args := []string{
		"--served-model-name", m.ServedName,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(transformersPort),
	}
	if c.ContextLength > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(c.ContextLength))
	}
	tp := c.TensorParallel
	if tp <= 0 {
		tp = 1
	}
	args = append(args, "--tensor-parallel-size", strconv.Itoa(tp))
	if c.KVCacheDtype != "" {
		args = append(args, "--kv-cache-dtype", c.KVCacheDtype)
	}
	if c.Quantization != "" {
		args = append(args, "--quantization", c.Quantization)
	}
	if c.GGUFWeightFormat != "" {
		args = append(args, "--gguf-weight-format", c.GGUFWeightFormat)
	}
	if c.EnforceEager {
		args = append(args, "--enforce-eager")
	}
	if c.EnablePrefixCaching {
		args = append(args, "--enable-prefix-caching")
	}
	if c.EnableChunkedPrefill {
		args = append(args, "--enable-chunked-prefill")
	}
	if c.MaxNumSeqs > 0 {
		args = append(args, "--max-num-seqs", strconv.Itoa(c.MaxNumSeqs))
	}
	if c.MaxNumBatchedTokens > 0 {
		args = append(args, "--max-num-batched-tokens", strconv.Itoa(c.MaxNumBatchedTokens))
	}
	if c.CPUOffloadGB > 0 {
		args = append(args, "--cpu-offload-gb", formatFloat(c.CPUOffloadGB))
	}
	if c.SwapSpaceGB > 0 {
		args = append(args, "--swap-space", formatFloat(c.SwapSpaceGB))
	}
	if c.BlockSize > 0 {
		args = append(args, "--block-size", strconv.Itoa(c.BlockSize))
	}
	if c.TokenizerPath != "" {
		args = append(args, "--tokenizer", "/models/"+strings.TrimPrefix(c.TokenizerPath, "/"))
	} else if c.TokenizerRepo != "" {
		args = append(args, "--tokenizer", c.TokenizerRepo)
	}
	spec.Args = args

	switch {
	case c.AttentionBackend != "":
		spec.Env["VLLM_ATTENTION_BACKEND"] = c.AttentionBackend
	case c.FlashAttention:
		spec.Env["VLLM_ATTENTION_BACKEND"] = "FLASH_ATTN"
	}
	if c.VLLMV1Enabled {
		spec.Env["VLLM_USE_V1"] = "1"
	}
	if c.EngineRequestTimeout > 0 {
		spec.Env["VLLM_ENGINE_ITERATION_TIMEOUT_S"] = strconv.Itoa(c.EngineRequestTimeout)
	}
	if c.DebugLogging {
		spec.Env["VLLM_LOGGING_LEVEL"] = "DEBUG"
	}
	if c.TraceMode {
		spec.Env["VLLM_TRACE_FUNCTION"] = "1"
	}
}

var semverRE = regexp.MustCompile(`v?(\d+)\.(\d+)(?:\.(\d+))?`)

// transformersEntrypoint picks the in-container entry command from the
// image tag's semantic version. Releases from 0.8 on ship the console
// entrypoint; older or unparseable tags fall back to invoking the API
// server module directly.
func transformersEntrypoint(imageTag, override, modelRef string) []string {
	if override != "" {
		return append(strings.Fields(override), modelRef)
	}
	major, minor, ok := parseSemver(imageTag)
	if ok && (major > 0 || minor >= 8) {
		return []string{"vllm", "serve", modelRef}
	}
	return []string{"python3", "-m", "vllm.entrypoints.openai.api_server", "--model", modelRef}
}

func parseSemver(tag string) (major, minor int, ok bool) {
	match := semverRE.FindStringSubmatch(tag)
	if match == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(match[1])
	minor, _ = strconv.Atoi(match[2])
	return major, minor, true
}

// ── gguf-server ─────────────────────────────────────────────

func buildGGUFArgs(m *models.Model, spec *LaunchSpec) {
	c := m.Config

	if c.EntrypointOverride != "" {
		spec.Entrypoint = strings.Fields(c.EntrypointOverride)
	} else {
		spec.Entrypoint = []string{"/app/llama-server"}
	}

	modelPath := "/models/" + strings.TrimPrefix(m.LocalPath, "/")
	args := []string{
		"-m", modelPath,
		"--alias", m.ServedName,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(ggufPort),
	}
	if c.ContextLength > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(c.ContextLength))
	}
	if c.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(c.GPULayers))
	}
	if c.TensorSplit != "" {
		args = append(args, "--tensor-split", c.TensorSplit)
	}
	if c.KVCacheDtype != "" {
		args = append(args, "--cache-type-k", c.KVCacheDtype, "--cache-type-v", c.KVCacheDtype)
	}
	if c.FlashAttention {
		args = append(args, "--flash-attn")
	}
	if c.DraftModelPath != "" {
		args = append(args, "--model-draft", "/models/"+strings.TrimPrefix(c.DraftModelPath, "/"))
		if c.DraftN > 0 {
			args = append(args, "--draft-max", strconv.Itoa(c.DraftN))
		}
		if c.DraftPMin > 0 {
			args = append(args, "--draft-p-min", formatFloat(c.DraftPMin))
		}
	}
	if c.MLock {
		args = append(args, "--mlock")
	}
	if c.NoMmap {
		args = append(args, "--no-mmap")
	}
	if c.NUMAPolicy != "" {
		args = append(args, "--numa", c.NUMAPolicy)
	}
	if c.SplitMode != "" {
		args = append(args, "--split-mode", c.SplitMode)
	}
	if c.BatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(c.BatchSize))
	}
	if c.UBatchSize > 0 {
		args = append(args, "--ubatch-size", strconv.Itoa(c.UBatchSize))
	}
	if c.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(c.Threads))
	}
	if c.ParallelSlots > 0 {
		args = append(args, "--parallel", strconv.Itoa(c.ParallelSlots))
	}
	if c.RopeFreqBase > 0 {
		args = append(args, "--rope-freq-base", formatFloat(c.RopeFreqBase))
	}
	if c.RopeFreqScale > 0 {
		args = append(args, "--rope-freq-scale", formatFloat(c.RopeFreqScale))
	}
	if c.DebugLogging {
		args = append(args, "--verbose")
	}
	spec.Args = args
}

// ── helpers ─────────────────────────────────────────────────

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
