package batch

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// rawApplicant is the on-disk form. Either data or fields must be set; fields
// are rendered as "Name: value" lines in file order.
type rawApplicant struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Data   string     `yaml:"data"`
	Fields []rawField `yaml:"fields"`
}

type rawField struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoadApplicants reads a YAML (or JSON) list of applicants from path.
func LoadApplicants(path string) ([]model.Applicant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read applicants: %w", err)
	}
	return ParseApplicants(data)
}

// ParseApplicants decodes a YAML (or JSON) list of applicants.
func ParseApplicants(data []byte) ([]model.Applicant, error) {
	var raw []rawApplicant
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse applicants: %w", err)
	}

	applicants := make([]model.Applicant, 0, len(raw))
	for i, ra := range raw {
		if strings.TrimSpace(ra.ID) == "" {
			return nil, fmt.Errorf("applicant %d: id is required", i)
		}

		text := ra.Data
		if len(ra.Fields) > 0 {
			var b strings.Builder
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
			for _, f := range ra.Fields {
				if strings.TrimSpace(f.Value) == "" {
					continue
				}
				fmt.Fprintf(&b, "%s: %s\n", f.Name, strings.TrimSpace(f.Value))
			}
			text = strings.TrimRight(b.String(), "\n")
		}
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("applicant %s: data or fields is required", ra.ID)
		}

		applicants = append(applicants, model.Applicant{ID: ra.ID, Name: ra.Name, Data: text})
	}
	return applicants, nil
}
