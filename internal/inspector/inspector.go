// Package inspector reads model directories and reports what is in
// them: file classification, GGUF header metadata, validation, and an
// advisory engine recommendation. It never writes or deletes anything
// under the models directory.
package inspector

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// multipartRE matches llama.cpp split naming: model-00001-of-00003.gguf.
var multipartRE = regexp.MustCompile(`^(.*)-(\d{5})-of-(\d{5})\.gguf$`)

// quantRE extracts the quantization label embedded in common GGUF and
// checkpoint filenames.
var quantRE = regexp.MustCompile(`(?i)\b(IQ[1-4]_[A-Z]{1,3}|Q[2-8]_K(?:_[SML])?|Q[2-8]_[01]|BF16|FP16|F16|F32|FP8|INT8|AWQ|GPTQ)\b`)

// MultipartGroup is one split GGUF set. FirstPart is what the engine is
// pointed at; llama.cpp discovers the rest.
type MultipartGroup struct {
	Name      string `json:"name"`
	Files     int    `json:"files"`
	Expected  int    `json:"expected"`
	FirstPart string `json:"first_part"`
	Status    string `json:"status"` // "ready" or "incomplete"
	Bytes     int64  `json:"bytes"`
}

// FileEntry is one classified model file.
type FileEntry struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"` // "safetensors", "gguf", "other"
	Bytes int64  `json:"bytes"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validation summarizes GGUF checks across the folder.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Recommendation is advisory only; the operator picks the engine.
type Recommendation struct {
	Recommended models.EngineKind   `json:"recommended"`
	Reason      string              `json:"reason"`
	Options     []models.EngineKind `json:"options"`
}

// FolderReport is the full inspect-folder response body.
type FolderReport struct {
	Folder               string           `json:"folder"`
	TotalBytes           int64            `json:"total_bytes"`
	HasSafetensors       bool             `json:"has_safetensors"`
	HasGGUF              bool             `json:"has_gguf"`
	MultipartGroups      []MultipartGroup `json:"multipart_groups"`
	SingleFiles          []FileEntry      `json:"single_files"`
	GGUFValidation       Validation       `json:"gguf_validation"`
	Metadata             *GGUFMetadata    `json:"metadata,omitempty"`
	Quantization         string           `json:"quantization,omitempty"`
	EngineRecommendation Recommendation   `json:"engine_recommendation"`
	TokenizerSuggestions []string         `json:"tokenizer_suggestions"`
}

// FolderSummary is one row of the local-folders listing.
type FolderSummary struct {
	Name       string `json:"name"`
	TotalBytes int64  `json:"total_bytes"`
	FileCount  int    `json:"file_count"`
	HasGGUF    bool   `json:"has_gguf"`
	HasSafet   bool   `json:"has_safetensors"`
}

// Inspector reads beneath a base directory.
type Inspector struct {
	baseDir string
}

func New(baseDir string) *Inspector {
	return &Inspector{baseDir: baseDir}
}

// BaseDir reports the configured models directory.
func (ins *Inspector) BaseDir() string {
	return ins.baseDir
}

// ListFolders enumerates the immediate subdirectories of the base dir.
func (ins *Inspector) ListFolders() ([]FolderSummary, error) {
	entries, err := os.ReadDir(ins.baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading models dir: %w", err)
	}
	var out []FolderSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sum := FolderSummary{Name: e.Name()}
		files, err := os.ReadDir(filepath.Join(ins.baseDir, e.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			sum.FileCount++
			if info, err := f.Info(); err == nil {
				sum.TotalBytes += info.Size()
			}
			switch {
			case strings.HasSuffix(f.Name(), ".gguf"):
				sum.HasGGUF = true
			case strings.HasSuffix(f.Name(), ".safetensors"):
				sum.HasSafet = true
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Inspect builds the full report for one folder under the base dir.
func (ins *Inspector) Inspect(folder string) (*FolderReport, error) {
	dir, err := ins.resolve(folder)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierror.Newf(apierror.NotFound, "folder %q not found", folder)
		}
		return nil, err
	}

	report := &FolderReport{
		Folder:          folder,
		MultipartGroups: []MultipartGroup{},
		SingleFiles:     []FileEntry{},
	}
	groups := map[string]*MultipartGroup{}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		report.TotalBytes += info.Size()

		if m := multipartRE.FindStringSubmatch(name); m != nil {
			report.HasGGUF = true
			expected, _ := strconv.Atoi(m[3])
			g, ok := groups[m[1]]
			if !ok {
				g = &MultipartGroup{Name: m[1], Expected: expected}
				groups[m[1]] = g
			}
			g.Files++
			g.Bytes += info.Size()
			if m[2] == "00001" {
				g.FirstPart = filepath.Join(dir, name)
			}
			ins.validateInto(report, filepath.Join(dir, name))
			continue
		}

		switch {
		case strings.HasSuffix(name, ".gguf"):
			report.HasGGUF = true
			entry := FileEntry{Name: name, Kind: "gguf", Bytes: info.Size(), Valid: true}
			if err := ValidateGGUF(filepath.Join(dir, name)); err != nil {
				entry.Valid = false
				entry.Error = err.Error()
				report.GGUFValidation.Errors = append(report.GGUFValidation.Errors, name+": "+err.Error())
			} else if report.Metadata == nil {
				report.Metadata, _ = ReadGGUFHeader(filepath.Join(dir, name))
			}
			report.SingleFiles = append(report.SingleFiles, entry)
		case strings.HasSuffix(name, ".safetensors"):
			report.HasSafetensors = true
			report.SingleFiles = append(report.SingleFiles, FileEntry{
				Name: name, Kind: "safetensors", Bytes: info.Size(), Valid: true,
			})
		}

		if report.Quantization == "" {
			if q := quantRE.FindString(name); q != "" {
				report.Quantization = strings.ToUpper(q)
			}
		}
	}

	for _, g := range groups {
		if g.Files == g.Expected && g.FirstPart != "" {
			g.Status = "ready"
		} else {
			g.Status = "incomplete"
		}
		if report.Metadata == nil && g.FirstPart != "" {
			report.Metadata, _ = ReadGGUFHeader(g.FirstPart)
		}
		report.MultipartGroups = append(report.MultipartGroups, *g)
	}
	sort.Slice(report.MultipartGroups, func(i, j int) bool {
		return report.MultipartGroups[i].Name < report.MultipartGroups[j].Name
	})

	report.GGUFValidation.Valid = len(report.GGUFValidation.Errors) == 0
	if report.GGUFValidation.Errors == nil {
		report.GGUFValidation.Errors = []string{}
	}
	report.EngineRecommendation = recommend(report)
	report.TokenizerSuggestions = suggestTokenizers(folder, report.Metadata)
	return report, nil
}

// validateInto records a GGUF validation failure without duplicating the
// per-file entry multipart members already get via their group.
func (ins *Inspector) validateInto(report *FolderReport, path string) {
	if err := ValidateGGUF(path); err != nil {
		report.GGUFValidation.Errors = append(report.GGUFValidation.Errors,
			filepath.Base(path)+": "+err.Error())
	}
}

// resolve confines folder lookups to the base dir.
func (ins *Inspector) resolve(folder string) (string, error) {
	if folder == "" {
		return "", apierror.Validation(map[string]string{"folder": "is required"})
	}
	clean := filepath.Clean(folder)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", apierror.Validation(map[string]string{"folder": "must be a relative path inside the models directory"})
	}
	return filepath.Join(ins.baseDir, clean), nil
}

// recommend applies the engine decision matrix over detected artifacts.
func recommend(r *FolderReport) Recommendation {
	options := []models.EngineKind{}
	if r.HasSafetensors {
		options = append(options, models.EngineTransformers)
	}
	if r.HasGGUF {
		options = append(options, models.EngineGGUF)
	}

	multipart := len(r.MultipartGroups) > 0
	switch {
	case multipart && r.HasSafetensors:
		return Recommendation{
			Recommended: models.EngineTransformers,
			Reason:      "safetensors checkpoint present; prefer it over multi-part GGUF",
			Options:     options,
		}
	case multipart:
		return Recommendation{
			Recommended: models.EngineGGUF,
			Reason:      "multi-part GGUF loads natively via the first part",
			Options:     options,
		}
	case r.HasGGUF && r.HasSafetensors:
		return Recommendation{
			Recommended: models.EngineTransformers,
			Reason:      "safetensors checkpoint present alongside a single GGUF",
			Options:     options,
		}
	case r.HasGGUF:
		return Recommendation{
			Recommended: models.EngineGGUF,
			Reason:      "single GGUF file",
			Options:     options,
		}
	case r.HasSafetensors:
		return Recommendation{
			Recommended: models.EngineTransformers,
			Reason:      "safetensors checkpoint",
			Options:     options,
		}
	default:
		return Recommendation{Reason: "no model files detected", Options: options}
	}
}

// tokenizerPatterns maps model-family markers in folder names (or GGUF
// architecture) to tokenizer repos known to match.
var tokenizerPatterns = []struct {
	match       *regexp.Regexp
	suggestions []string
}{
	{regexp.MustCompile(`(?i)llama[-_.]?3\.?1`), []string{"meta-llama/Llama-3.1-8B-Instruct"}},
	{regexp.MustCompile(`(?i)llama[-_.]?3`), []string{"meta-llama/Meta-Llama-3-8B-Instruct"}},
	{regexp.MustCompile(`(?i)llama[-_.]?2`), []string{"meta-llama/Llama-2-7b-hf"}},
	{regexp.MustCompile(`(?i)qwen[-_.]?2\.?5`), []string{"Qwen/Qwen2.5-7B-Instruct"}},
	{regexp.MustCompile(`(?i)qwen`), []string{"Qwen/Qwen2-7B-Instruct"}},
	{regexp.MustCompile(`(?i)mistral`), []string{"mistralai/Mistral-7B-Instruct-v0.3"}},
	{regexp.MustCompile(`(?i)mixtral`), []string{"mistralai/Mixtral-8x7B-Instruct-v0.1"}},
	{regexp.MustCompile(`(?i)phi[-_.]?3`), []string{"microsoft/Phi-3-mini-4k-instruct"}},
	{regexp.MustCompile(`(?i)gemma[-_.]?2`), []string{"google/gemma-2-9b-it"}},
	{regexp.MustCompile(`(?i)gemma`), []string{"google/gemma-7b-it"}},
	{regexp.MustCompile(`(?i)deepseek[-_.]?r1`), []string{"deepseek-ai/DeepSeek-R1-Distill-Llama-8B"}},
	{regexp.MustCompile(`(?i)deepseek`), []string{"deepseek-ai/deepseek-llm-7b-chat"}},
}

func suggestTokenizers(folder string, md *GGUFMetadata) []string {
	haystack := folder
	if md != nil && md.Architecture != "" {
		haystack += " " + md.Architecture
	}
	seen := map[string]bool{}
	out := []string{}
	for _, p := range tokenizerPatterns {
		if !p.match.MatchString(haystack) {
			continue
		}
		for _, s := range p.suggestions {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
