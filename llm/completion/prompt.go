package completion

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/BaSui01/batchflow/types"
)

// ImageData is one inline image referenced from the prompt as [img-ID].
type ImageData struct {
	Data string `json:"data"`
	ID   int    `json:"id"`
}

// Prompt is a rendered chat request.
type Prompt struct {
	Text   string
	Images []ImageData
}

// placeholder for images that cannot be forwarded to the worker
const unknownImage = "[image]"

var rolePrefix = map[types.Role]string{
	types.RoleSystem:    "System:",
	types.RoleUser:      "User:",
	types.RoleAssistant: "Assistant:",
}

// Render builds the prompt:
//
//	System: <system_prompt>
//	User: ...
//	Assistant: ...
//	Assistant:
//
// Base64 data URI images become [img-N] with N counted from 1 across the
// whole conversation; anything else becomes [image].
func Render(req *types.ChatRequest) Prompt {
	var (
		lines  []string
		images []ImageData
	)

	if sp := strings.TrimSpace(req.SystemPrompt); sp != "" {
		lines = append(lines, rolePrefix[types.RoleSystem]+" "+sp)
	}

	for _, m := range req.Messages {
		prefix, ok := rolePrefix[m.Role]
		if !ok {
			prefix = rolePrefix[types.RoleUser]
		}

		var text string
		if m.Content.IsStructured() {
			text, images = renderParts(m.Content.Parts(), images)
		} else {
			text = m.Content.Text()
		}
		lines = append(lines, prefix+" "+text)
	}

	lines = append(lines, rolePrefix[types.RoleAssistant])
	return Prompt{Text: strings.Join(lines, "\n"), Images: images}
}

func renderParts(parts []types.ContentPart, images []ImageData) (string, []ImageData) {
	pieces := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case types.PartText:
			if p.Text != "" {
				pieces = append(pieces, p.Text)
			}
		case types.PartImageURL:
			data, ok := "", false
			if p.ImageURL != nil {
				data, ok = decodeDataURI(p.ImageURL.URL)
			}
			if !ok {
				pieces = append(pieces, unknownImage)
				continue
			}
			id := len(images) + 1
			images = append(images, ImageData{Data: data, ID: id})
			pieces = append(pieces, fmt.Sprintf("[img-%d]", id))
		}
	}
	return strings.Join(pieces, " "), images
}

// decodeDataURI extracts the base64 payload of data:<mime>;base64,<data>.
func decodeDataURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") || data == "" {
		return "", false
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return "", false
	}
	return data, true
}
