package mailing

import (
	"fmt"

	"github.com/osteele/liquid"

	"github.com/radiusdt/vector-pulse/internal/models"
)

// Renderer personalises campaign bodies with Liquid.
type Renderer struct {
	engine *liquid.Engine
}

// NewRenderer creates a renderer with the default filter set plus "default".
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ subscriber.name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s, ok := value.(string); ok && s == "" {
			return defaultVal
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Template is a parsed campaign body.
type Template struct {
	tpl *liquid.Template
}

// Compile parses a campaign body once for the whole send.
func (r *Renderer) Compile(body string) (*Template, error) {
	tpl, err := r.engine.ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &Template{tpl: tpl}, nil
}

// Render executes the template for one recipient.
func (t *Template) Render(c *models.Campaign, sub models.Subscriber, unsubscribeURL string) (string, error) {
	out, err := t.tpl.RenderString(map[string]interface{}{
		"subscriber": map[string]interface{}{
			"id":    sub.ID,
			"email": sub.Email,
		},
		"campaign": map[string]interface{}{
			"id":      c.ID,
			"title":   c.Title,
			"subject": c.Subject,
		},
		"unsubscribe_url": unsubscribeURL,
	})
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
