package container

import "regexp"

// Diagnosis is a structured hint extracted from container logs.
type Diagnosis struct {
	Kind    string `json:"kind"`
	Matched string `json:"matched"`
	Fix     string `json:"fix"`
}

type logPattern struct {
	re   *regexp.Regexp
	kind string
	fix  string
}

// logPatterns is an ordered table: the first match wins, so more specific
// patterns come before generic ones. Extend by appending rows, not by
// adding conditionals.
var logPatterns = []logPattern{
	{
		re:   regexp.MustCompile(`(?i)can't load tokenizer|tokenizer.*not found|OSError:.*is not a local folder`),
		kind: "tokenizer_missing_offline",
		fix: "The engine could not load a tokenizer. In offline mode, set tokenizer_path " +
			"to a local tokenizer config or pre-cache the remote tokenizer repo in the HF cache.",
	},
	{
		re:   regexp.MustCompile(`(?i)NCCL (error|timeout)|collective operation timed out|watchdog caught collective`),
		kind: "collective_ops_timeout",
		fix: "A multi-GPU collective operation timed out. Check that all selected GPUs are " +
			"healthy (nvidia-smi), reduce tensor_parallel, or restrict gpus to a working subset.",
	},
	{
		re:   regexp.MustCompile(`(?i)CUDA driver version is insufficient|no kernel image is available|forward compatibility`),
		kind: "driver_mismatch",
		fix: "The container's CUDA runtime does not match the host driver. Upgrade the host " +
			"NVIDIA driver or pin an older engine image tag.",
	},
	{
		re:   regexp.MustCompile(`(?i)CUDA out of memory|torch\.OutOfMemoryError|failed to allocate|insufficient VRAM`),
		kind: "out_of_memory",
		fix: "The model does not fit in GPU memory. Lower context_length or max_num_seqs, " +
			"enable quantization or cpu_offload_gb, or spread over more GPUs.",
	},
	{
		re:   regexp.MustCompile(`(?i)error while memory profiling|profiling run.*failed`),
		kind: "memory_profile_error",
		fix: "Engine memory profiling failed at startup. Try enforce_eager or reduce " +
			"max_num_batched_tokens to shrink the profiling allocation.",
	},
	{
		re:   regexp.MustCompile(`(?i)unknown.*magic|invalid.*magic|unsupported.*(gguf|ggml) (file )?version|legacy file format`),
		kind: "legacy_file_format",
		fix: "The model file uses an old or corrupt GGUF/GGML format. Re-download the file " +
			"or convert it with a current conversion tool.",
	},
	{
		re:   regexp.MustCompile(`(?i)address already in use|bind.*failed`),
		kind: "port_conflict",
		fix:  "The container port is taken. Stop the conflicting process or restart the model to allocate a new port.",
	},
	{
		re:   regexp.MustCompile(`(?i)No such file or directory.*\.(gguf|safetensors)|file not found.*model`),
		kind: "model_file_missing",
		fix:  "The configured model path does not exist inside the models mount. Verify local_path against the models directory.",
	},
}

// Diagnose matches log output against the curated pattern table and
// returns the first structured hint, or nil when nothing matches.
func Diagnose(logs string) *Diagnosis {
	for _, p := range logPatterns {
		if loc := p.re.FindString(logs); loc != "" {
			return &Diagnosis{Kind: p.kind, Matched: loc, Fix: p.fix}
		}
	}
	return nil
}
