package registry

import (
	"path/filepath"
	"regexp"
	"strings"

	"batchd/internal/common/fsutil"
	"batchd/pkg/types"
)

// Scanner discovers models under a directory.
type Scanner interface {
	Scan(dir string) ([]types.Model, error)
}

// GGUFScanner builds models from *.gguf files. ID is the full filename
// (including extension), Path the absolute file path and FootprintBytes the
// file size. Quant and Family are guessed from the filename.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

var quantRe = regexp.MustCompile(`(?i)(?:^|[-_.])((?:i?q\d(?:_[a-z0-9]+)*)|f16|f32|bf16)(?:[-_.]|$)`)

var families = []string{"llama", "mistral", "mixtral", "phi", "qwen", "gemma", "falcon", "deepseek"}

func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	files, err := fsutil.ListFiles(dir, ".gguf")
	if err != nil {
		return nil, err
	}
	models := make([]types.Model, 0, len(files))
	for _, f := range files {
		models = append(models, types.Model{
			ID:             f.Name,
			Name:           f.Name,
			Path:           f.Path,
			Quant:          guessQuant(f.Name),
			Family:         guessFamily(f.Name),
			FootprintBytes: f.Size,
		})
	}
	return models, nil
}

// LoadDir scans dir with the default GGUF scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

func guessQuant(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	m := quantRe.FindStringSubmatch(stem)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

func guessFamily(name string) string {
	lower := strings.ToLower(name)
	for _, f := range families {
		if strings.Contains(lower, f) {
			return f
		}
	}
	return ""
}
