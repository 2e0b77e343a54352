// Package provider normalizes external image generation services behind a
// single gateway.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

// Request is what a Generator receives.
type Request struct {
	Prompt      string
	AspectRatio string
	Variants    int
	RequestID   string
}

// Image is one generated variant: raw bytes, a provider URL, or both.
type Image struct {
	Data     []byte
	URL      string
	MIMEType string
	Width    int
	Height   int
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens int
	OutputTokens int
	TotalTokens  int
}

// Response is the raw provider answer before normalization.
type Response struct {
	Images []Image
	Model  string
	Usage  Usage
}

// Generator is the contract implemented by every provider.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GenerateRequest is the gateway input.
type GenerateRequest struct {
	Prompt       string
	AspectRatio  string
	Variants     int
	ProviderHint string
	RequestID    string
	Quality      string
}

// Result is the normalized gateway output; len(Images) equals the requested
// variant count.
type Result struct {
	Images   []Image
	Metadata domain.ResultMetadata
}

// Gateway routes requests to a named provider and normalizes its answer.
type Gateway struct {
	generators  map[string]Generator
	defaultName string
	logger      *slog.Logger
}

// NewGateway creates a gateway. defaultName must match one of generators.
func NewGateway(defaultName string, logger *slog.Logger, generators ...Generator) (*Gateway, error) {
	if len(generators) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	byName := make(map[string]Generator, len(generators))
	for _, g := range generators {
		byName[strings.ToLower(g.Name())] = g
	}

	defaultName = strings.ToLower(strings.TrimSpace(defaultName))
	if defaultName == "" {
		defaultName = strings.ToLower(generators[0].Name())
	}
	if _, ok := byName[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", defaultName)
	}

	return &Gateway{
		generators:  byName,
		defaultName: defaultName,
		logger:      logger,
	}, nil
}

// Providers lists configured provider names.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.generators))
	for name := range g.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether hint names a configured provider.
func (g *Gateway) Supports(hint string) bool {
	_, ok := g.generators[strings.ToLower(strings.TrimSpace(hint))]
	return ok
}

// Unserved returns the hints that no configured provider answers. Jobs
// carrying one of them fall back to the default provider.
func (g *Gateway) Unserved(hints []string) []string {
	var out []string
	for _, hint := range hints {
		if !g.Supports(hint) {
			out = append(out, hint)
		}
	}
	return out
}

func (g *Gateway) selectGenerator(hint string) Generator {
	if gen, ok := g.generators[strings.ToLower(strings.TrimSpace(hint))]; ok {
		return gen
	}
	if hint != "" {
		g.logger.Debug("Unknown provider hint, using default",
			slog.String("hint", hint),
			slog.String("provider", g.defaultName),
		)
	}
	return g.generators[g.defaultName]
}

// Generate performs one provider call. Every failure is returned as *Error.
func (g *Gateway) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	gen := g.selectGenerator(req.ProviderHint)
	name := gen.Name()

	if req.Variants <= 0 {
		return nil, NewPermanent(name, "variant count must be positive", nil)
	}

	resp, err := gen.Generate(ctx, Request{
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Variants:    req.Variants,
		RequestID:   req.RequestID,
	})
	if err != nil {
		return nil, Classify(name, err)
	}
	if resp == nil {
		return nil, NewTransient(name, "empty provider response", nil)
	}

	images := make([]Image, 0, len(resp.Images))
	for _, img := range resp.Images {
		if len(img.Data) == 0 && strings.TrimSpace(img.URL) == "" {
			continue
		}
		if img.MIMEType == "" {
			img.MIMEType = "image/png"
		}
		images = append(images, img)
	}

	if len(images) < req.Variants {
		return nil, NewTransient(name, fmt.Sprintf("partial result: %d of %d images", len(images), req.Variants), nil)
	}

	return &Result{
		Images: images[:req.Variants],
		Metadata: domain.ResultMetadata{
			Provider:     name,
			Model:        resp.Model,
			PromptTokens: resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
			Quality:      req.Quality,
		},
	}, nil
}
