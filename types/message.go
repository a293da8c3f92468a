// Package types provides core types shared across the batchflow gateway.
// This package has ZERO dependencies on other batchflow packages to avoid circular imports.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// PartType is the discriminator of a structured content item.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ImageURL carries an image reference, either a remote URL or a base64 data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one item of a structured (multimodal) message.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// MessageContent is either plain text or a list of structured parts.
// On the wire it is a JSON string or a JSON array.
type MessageContent struct {
	text       string
	parts      []ContentPart
	structured bool
}

// TextContent creates plain text content.
func TextContent(s string) MessageContent {
	return MessageContent{text: s}
}

// PartsContent creates structured content.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{parts: parts, structured: true}
}

// IsStructured reports whether the content is a parts list.
func (c MessageContent) IsStructured() bool { return c.structured }

// Text returns the plain text, empty for structured content.
func (c MessageContent) Text() string { return c.text }

// Parts returns the structured parts, nil for plain text.
func (c MessageContent) Parts() []ContentPart { return c.parts }

// MarshalJSON implements json.Marshaler.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.structured {
		parts := c.parts
		if parts == nil {
			parts = []ContentPart{}
		}
		return json.Marshal(parts)
	}
	return json.Marshal(c.text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("message content is empty")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = PartsContent(parts...)
		return nil
	default:
		return fmt.Errorf("message content must be a string or an array of content items")
	}
}

// Message represents a conversation message.
type Message struct {
	Role    Role           `json:"role"`
	Content MessageContent `json:"content"`
}

// ChatRequest is the payload accepted by /predict and carried opaquely through the queue.
type ChatRequest struct {
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	RequestID    string    `json:"request_id,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	TopP         *float64  `json:"top_p,omitempty"`
	NPredict     *int      `json:"n_predict,omitempty"`
}

// Validate checks the request against the gateway's accepted ranges.
func (r *ChatRequest) Validate() error {
	var errs []string

	if strings.TrimSpace(r.Model) == "" {
		errs = append(errs, "model is required")
	}
	if len(r.Messages) == 0 {
		errs = append(errs, "messages must not be empty")
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			errs = append(errs, fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role))
		}
		for j, p := range m.Content.Parts() {
			switch p.Type {
			case PartText:
			case PartImageURL:
				if p.ImageURL == nil || p.ImageURL.URL == "" {
					errs = append(errs, fmt.Sprintf("messages[%d].content[%d]: image_url.url is required", i, j))
				}
			default:
				errs = append(errs, fmt.Sprintf("messages[%d].content[%d]: invalid type %q", i, j, p.Type))
			}
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		errs = append(errs, "temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		errs = append(errs, "top_p must be between 0 and 1")
	}
	if r.NPredict != nil && (*r.NPredict < 1 || *r.NPredict > 2048) {
		errs = append(errs, "n_predict must be between 1 and 2048")
	}

	if len(errs) > 0 {
		return NewError(ErrInvalidRequest, strings.Join(errs, "; "))
	}
	return nil
}
