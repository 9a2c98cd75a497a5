package backend

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/cuongbtq/editqueue/internal/domain"
)

//go:embed templates/*.json
var defaultTemplates embed.FS

// Request is a rendered backend submission
type Request struct {
	JobID string
	Dual  bool
	Graph json.RawMessage
}

// Templates holds the single and dual artifact graphs
type Templates struct {
	Single []byte
	Dual   []byte
}

// LoadTemplates reads the override files when set and falls back to the
// embedded graphs otherwise
func LoadTemplates(singlePath, dualPath string) (*Templates, error) {
	single, err := loadTemplate(singlePath, "templates/single.json")
	if err != nil {
		return nil, err
	}
	dual, err := loadTemplate(dualPath, "templates/dual.json")
	if err != nil {
		return nil, err
	}
	return &Templates{Single: single, Dual: dual}, nil
}

func loadTemplate(path, fallback string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = defaultTemplates.ReadFile(fallback)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("template %q is not valid JSON", templateName(path, fallback))
	}
	return data, nil
}

func templateName(path, fallback string) string {
	if path != "" {
		return path
	}
	return fallback
}

// Builder renders queue items into backend requests
type Builder struct {
	templates *Templates
	seed      func() int64
}

// NewBuilder creates a builder drawing random seeds
func NewBuilder(t *Templates) *Builder {
	return &Builder{
		templates: t,
		seed:      func() int64 { return rand.Int64N(1 << 48) },
	}
}

// BuildRequest uses the dual graph for two artifacts and the single graph
// for one. Placeholders must be whole JSON string values.
func (b *Builder) BuildRequest(item domain.QueueItem) (Request, error) {
	if err := item.Validate(); err != nil {
		return Request{}, err
	}

	tmpl := b.templates.Single
	dual := item.IsDual()
	if dual {
		tmpl = b.templates.Dual
	}

	values := map[string]string{
		"instruction": quote(item.Instruction),
		"image_1":     quote(item.Artifacts[0]),
		"seed":        strconv.FormatInt(b.seed(), 10),
		"prefix":      quote("edit_" + item.JobID),
	}
	if dual {
		values["image_2"] = quote(item.Artifacts[1])
	}

	graph := tmpl
	for name, v := range values {
		graph = bytes.ReplaceAll(graph, []byte(`"{{`+name+`}}"`), []byte(v))
	}

	if !json.Valid(graph) {
		return Request{}, fmt.Errorf("rendered graph for job %s is not valid JSON", item.JobID)
	}

	return Request{JobID: item.JobID, Dual: dual, Graph: json.RawMessage(graph)}, nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
