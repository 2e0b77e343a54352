package domain

import "slices"

// Product is the subset of catalog product data used for prompt assembly.
type Product struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"owner_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ProductType string   `json:"product_type,omitempty"`
	Vendor      string   `json:"vendor,omitempty"`
	Price       string   `json:"price,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
}

func (p Product) Clone() Product {
	p.Tags = slices.Clone(p.Tags)
	return p
}

// VisibleTo reports whether ownerID may generate ads for the product.
func (p Product) VisibleTo(ownerID string) bool {
	return p.OwnerID == ownerID
}

// TemplateVariable is a slot declared by a template.
type TemplateVariable struct {
	Name        string `json:"name"`
	Label       string `json:"label,omitempty"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Template is an ad template: a prompt skeleton with declared variable slots.
// Templates without an owner are public.
type Template struct {
	ID             string             `json:"id"`
	OwnerID        string             `json:"owner_id,omitempty"`
	Name           string             `json:"name"`
	PromptSkeleton string             `json:"prompt_skeleton"`
	Variables      []TemplateVariable `json:"variables"`
	Quality        string             `json:"quality,omitempty"`
}

func (t Template) Clone() Template {
	t.Variables = slices.Clone(t.Variables)
	return t
}

// VisibleTo reports whether ownerID may use the template.
func (t Template) VisibleTo(ownerID string) bool {
	return t.OwnerID == "" || t.OwnerID == ownerID
}
