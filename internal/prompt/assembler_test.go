package prompt

import (
	"testing"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInput() Input {
	return Input{
		Product: domain.Product{
			ID:          "p1",
			OwnerID:     "u1",
			Title:       "Linen Shirt",
			Description: "Breathable   summer shirt",
			ProductType: "Apparel",
			Vendor:      "Acme",
			Price:       "39.90",
			Currency:    "usd",
			Tags:        []string{"summer", "linen", "summer", " "},
		},
		Template: domain.Template{
			ID:             "t1",
			Name:           "Lifestyle",
			PromptSkeleton: "A {{ color }} {{product.title}} on a {{background}} backdrop, {{mood}}",
			Variables: []domain.TemplateVariable{
				{Name: "color", Required: true},
				{Name: "background", Default: "sunlit beach"},
				{Name: "mood"},
			},
			Quality: "studio",
		},
		VariableValues: map[string]string{"color": "red", "unused": "x"},
		UserPrompt:     "include a straw hat",
		AspectRatio:    "4:5",
	}
}

func TestAssemble(t *testing.T) {
	out, err := Assemble(sampleInput())
	require.NoError(t, err)

	want := "A red Linen Shirt on a sunlit beach backdrop,\n" +
		"Featured product: \"Linen Shirt\".\n" +
		"Product category: Apparel.\n" +
		"Brand: Acme.\n" +
		"Product details: Breathable summer shirt\n" +
		"Price point: 39.90 USD.\n" +
		"Keywords: linen, summer.\n" +
		"Additional direction: include a straw hat\n" +
		"Render with studio quality lighting, sharp focus and clean post-processing.\n" +
		"Compose the image for a 4:5 aspect ratio."
	assert.Equal(t, want, out.Prompt)

	assert.Equal(t, "t1", out.Metadata.TemplateID)
	assert.Equal(t, []string{"color"}, out.Metadata.Used)
	assert.Equal(t, []string{"background"}, out.Metadata.Defaulted)
	assert.Equal(t, []string{"mood"}, out.Metadata.Omitted)
	assert.Equal(t, []string{"unused"}, out.Metadata.Ignored)
	assert.Equal(t, "sunlit beach", out.Metadata.Values["background"])
}

func TestAssemble_Deterministic(t *testing.T) {
	in := sampleInput()
	in.VariableValues = map[string]string{"color": "red", "mood": "playful", "a": "1", "b": "2", "c": "3"}

	first, err := Assemble(in)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Assemble(in)
		require.NoError(t, err)
		assert.Equal(t, first.Prompt, again.Prompt)
		assert.Equal(t, first.Metadata, again.Metadata)
	}
}

func TestAssemble_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
		field  string
	}{
		{
			name:   "missing required variable",
			mutate: func(in *Input) { in.VariableValues = map[string]string{} },
			field:  "variable_values.color",
		},
		{
			name:   "blank required variable",
			mutate: func(in *Input) { in.VariableValues = map[string]string{"color": "   "} },
			field:  "variable_values.color",
		},
		{
			name:   "undeclared placeholder",
			mutate: func(in *Input) { in.Template.PromptSkeleton = "A {{color}} shirt in {{season}}" },
			field:  "template",
		},
		{
			name:   "unknown product field",
			mutate: func(in *Input) { in.Template.PromptSkeleton = "A {{color}} {{product.sku}}" },
			field:  "template",
		},
		{
			name:   "empty skeleton",
			mutate: func(in *Input) { in.Template.PromptSkeleton = "  " },
			field:  "template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleInput()
			tt.mutate(&in)

			out, err := Assemble(in)
			require.Error(t, err)
			assert.Nil(t, out)

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestAssemble_MinimalProduct(t *testing.T) {
	out, err := Assemble(Input{
		Product:  domain.Product{ID: "p1"},
		Template: domain.Template{ID: "t1", PromptSkeleton: "Plain packshot"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Plain packshot", out.Prompt)
	assert.Empty(t, out.Metadata.Used)
}

func TestFromJob(t *testing.T) {
	in := domain.JobInput{
		UserPrompt:     "brighter",
		AspectRatio:    "1:1",
		VariableValues: map[string]string{"color": "red"},
		Product:        domain.Product{ID: "p1"},
		Template:       domain.Template{ID: "t1"},
	}
	got := FromJob(in)
	assert.Equal(t, "brighter", got.UserPrompt)
	assert.Equal(t, "1:1", got.AspectRatio)
	assert.Equal(t, "p1", got.Product.ID)
	assert.Equal(t, "t1", got.Template.ID)
	assert.Equal(t, "red", got.VariableValues["color"])
}
