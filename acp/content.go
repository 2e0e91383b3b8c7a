package acp

import "encoding/json"

// ContentType discriminates the content block union.
type ContentType string

const (
	ContentTypeText         ContentType = "text"
	ContentTypeImage        ContentType = "image"
	ContentTypeAudio        ContentType = "audio"
	ContentTypeResource     ContentType = "resource"
	ContentTypeResourceLink ContentType = "resource_link"
	ContentTypeThinking     ContentType = "thinking"
)

// ContentBlock is the unit of message content exchanged in prompts, message
// chunks, and tool results. The populated fields depend on Type:
//
//	text, thinking    → Text
//	image, audio      → MimeType + Data (base64)
//	resource          → Resource
//	resource_link     → URI, Name, MimeType
//
// Blocks of an unrecognized type keep their raw payload and re-encode
// byte-for-byte, so unknown variants pass through intact.
type ContentBlock struct {
	Type     ContentType       `json:"type"`
	Text     string            `json:"text,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Data     string            `json:"data,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Name     string            `json:"name,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`

	raw json.RawMessage
}

// EmbeddedResource carries resource contents inline. Exactly one of Text or
// Blob is set.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// TextContent wraps text in a single-element block slice, the common case
// for prompts and tool results.
func TextContent(text string) []ContentBlock {
	return []ContentBlock{TextBlock(text)}
}

// IsKnownType reports whether the block decoded into a recognized variant.
func (b *ContentBlock) IsKnownType() bool {
	return b.raw == nil
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*b = ContentBlock(decoded)
	switch b.Type {
	case ContentTypeText, ContentTypeImage, ContentTypeAudio,
		ContentTypeResource, ContentTypeResourceLink, ContentTypeThinking:
		b.raw = nil
	default:
		b.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	type alias ContentBlock
	return json.Marshal(alias(b))
}

// DisplayText flattens blocks to a printable string. Non-text blocks render
// as bracketed placeholders.
func DisplayText(blocks []ContentBlock) string {
	var out string
	for i, b := range blocks {
		if i > 0 {
			out += "\n"
		}
		switch b.Type {
		case ContentTypeText, ContentTypeThinking:
			out += b.Text
		case ContentTypeImage:
			out += "[image]"
		case ContentTypeAudio:
			out += "[audio]"
		case ContentTypeResource:
			if b.Resource != nil {
				out += b.Resource.Text
			}
		case ContentTypeResourceLink:
			out += b.URI
		default:
			out += "[" + string(b.Type) + "]"
		}
	}
	return out
}
