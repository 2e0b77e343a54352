// Package prompt turns a product, an ad template and the user's variable
// values into the text sent to an image provider. Assembly is pure and
// deterministic: identical inputs always produce identical prompts.
package prompt

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

const productPrefix = "product."

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Input is everything the assembler needs.
type Input struct {
	Product        domain.Product
	Template       domain.Template
	VariableValues map[string]string
	UserPrompt     string
	AspectRatio    string
}

// Metadata records how each template variable was resolved.
type Metadata struct {
	TemplateID string            `json:"template_id"`
	Used       []string          `json:"used"`
	Defaulted  []string          `json:"defaulted"`
	Omitted    []string          `json:"omitted"`
	Ignored    []string          `json:"ignored"`
	Values     map[string]string `json:"values"`
}

// Assembly is the assembler output.
type Assembly struct {
	Prompt   string
	Metadata Metadata
}

// FromJob builds assembler input from a job snapshot.
func FromJob(in domain.JobInput) Input {
	return Input{
		Product:        in.Product,
		Template:       in.Template,
		VariableValues: in.VariableValues,
		UserPrompt:     in.UserPrompt,
		AspectRatio:    in.AspectRatio,
	}
}

// Assemble renders the template skeleton and appends product context, the
// user's free-text direction and the aspect ratio. A required variable that
// is neither supplied nor defaulted, or a placeholder the template never
// declared, yields a *domain.ValidationError.
func Assemble(in Input) (*Assembly, error) {
	verr := &domain.ValidationError{}

	skeleton := strings.TrimSpace(in.Template.PromptSkeleton)
	if skeleton == "" {
		verr.Add("template", "prompt skeleton is empty")
		return nil, verr
	}

	meta := Metadata{
		TemplateID: in.Template.ID,
		Used:       []string{},
		Defaulted:  []string{},
		Omitted:    []string{},
		Ignored:    []string{},
		Values:     make(map[string]string, len(in.Template.Variables)),
	}

	declared := make(map[string]struct{}, len(in.Template.Variables))
	for _, v := range in.Template.Variables {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			continue
		}
		declared[name] = struct{}{}

		value := strings.TrimSpace(in.VariableValues[name])
		switch {
		case value != "":
			meta.Used = append(meta.Used, name)
		case strings.TrimSpace(v.Default) != "":
			value = strings.TrimSpace(v.Default)
			meta.Defaulted = append(meta.Defaulted, name)
		case v.Required:
			verr.Add("variable_values."+name, "required variable is missing")
			continue
		default:
			meta.Omitted = append(meta.Omitted, name)
		}
		meta.Values[name] = value
	}

	for name := range in.VariableValues {
		if _, ok := declared[name]; !ok {
			meta.Ignored = append(meta.Ignored, name)
		}
	}

	productFields := productPlaceholders(in.Product)
	body := placeholderRE.ReplaceAllStringFunc(skeleton, func(match string) string {
		key := placeholderRE.FindStringSubmatch(match)[1]
		if strings.HasPrefix(key, productPrefix) {
			if v, ok := productFields[strings.TrimPrefix(key, productPrefix)]; ok {
				return v
			}
			verr.Add("template", fmt.Sprintf("unknown product field %q", key))
			return match
		}
		if _, ok := declared[key]; !ok {
			verr.Add("template", fmt.Sprintf("placeholder %q is not a declared variable", key))
			return match
		}
		return meta.Values[key]
	})

	if !verr.Empty() {
		return nil, verr
	}

	sort.Strings(meta.Used)
	sort.Strings(meta.Defaulted)
	sort.Strings(meta.Omitted)
	sort.Strings(meta.Ignored)

	lines := []string{collapseSpaces(body)}
	lines = append(lines, productContext(in.Product)...)
	if direction := strings.TrimSpace(in.UserPrompt); direction != "" {
		lines = append(lines, "Additional direction: "+direction)
	}
	if quality := strings.TrimSpace(in.Template.Quality); quality != "" {
		lines = append(lines, fmt.Sprintf("Render with %s quality lighting, sharp focus and clean post-processing.", quality))
	}
	if ratio := strings.TrimSpace(in.AspectRatio); ratio != "" {
		lines = append(lines, fmt.Sprintf("Compose the image for a %s aspect ratio.", ratio))
	}

	return &Assembly{
		Prompt:   strings.Join(lines, "\n"),
		Metadata: meta,
	}, nil
}

func productPlaceholders(p domain.Product) map[string]string {
	return map[string]string{
		"title":       strings.TrimSpace(p.Title),
		"description": strings.TrimSpace(p.Description),
		"type":        strings.TrimSpace(p.ProductType),
		"vendor":      strings.TrimSpace(p.Vendor),
		"price":       formatPrice(p),
		"tags":        strings.Join(cleanTags(p.Tags), ", "),
	}
}

func productContext(p domain.Product) []string {
	var lines []string
	if title := strings.TrimSpace(p.Title); title != "" {
		lines = append(lines, fmt.Sprintf("Featured product: %q.", title))
	}
	if t := strings.TrimSpace(p.ProductType); t != "" {
		lines = append(lines, "Product category: "+t+".")
	}
	if v := strings.TrimSpace(p.Vendor); v != "" {
		lines = append(lines, "Brand: "+v+".")
	}
	if d := strings.TrimSpace(p.Description); d != "" {
		lines = append(lines, "Product details: "+collapseSpaces(d))
	}
	if price := formatPrice(p); price != "" {
		lines = append(lines, "Price point: "+price+".")
	}
	if tags := cleanTags(p.Tags); len(tags) > 0 {
		lines = append(lines, "Keywords: "+strings.Join(tags, ", ")+".")
	}
	return lines
}

func formatPrice(p domain.Product) string {
	price := strings.TrimSpace(p.Price)
	if price == "" {
		return ""
	}
	if cur := strings.TrimSpace(p.Currency); cur != "" {
		return price + " " + strings.ToUpper(cur)
	}
	return price
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
