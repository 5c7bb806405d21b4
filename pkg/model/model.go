// Package model decodes the feature suffixes clients append to model names
// (qwen-max-thinking, glm-4.6-search, grok-4-image, ...).
package model

import "strings"

type ChatType string

const (
	ChatTypeText         ChatType = "t2t"
	ChatTypeImage        ChatType = "t2i"
	ChatTypeImageEdit    ChatType = "image_edit"
	ChatTypeVideo        ChatType = "t2v"
	ChatTypeSearch       ChatType = "search"
	ChatTypeDeepResearch ChatType = "deep_research"
)

const (
	SuffixThinking     = "-thinking"
	SuffixSearch       = "-search"
	SuffixImage        = "-image"
	SuffixImageEdit    = "-image_edit"
	SuffixVideo        = "-video"
	SuffixDeepResearch = "-deep-research"
)

// Suffixes lists every recognised suffix in the order they are stripped.
// -image_edit must come before -image.
var Suffixes = []string{
	SuffixDeepResearch,
	SuffixImageEdit,
	SuffixThinking,
	SuffixSearch,
	SuffixImage,
	SuffixVideo,
}

type Parsed struct {
	BaseModel    string   `json:"base_model"`
	Thinking     bool     `json:"thinking"`
	Search       bool     `json:"search"`
	Image        bool     `json:"image"`
	ImageEdit    bool     `json:"image_edit"`
	Video        bool     `json:"video"`
	DeepResearch bool     `json:"deep_research"`
	ChatType     ChatType `json:"chat_type"`
}

// NeedsSession reports whether the upstream requires a pre-created chat
// before the generative request can be sent.
func (p Parsed) NeedsSession() bool {
	switch p.ChatType {
	case ChatTypeImage, ChatTypeImageEdit, ChatTypeVideo:
		return true
	default:
		return false
	}
}

// Parse never fails. Unknown suffixes are left in BaseModel.
func Parse(name string) Parsed {
	rest := name
	p := Parsed{}

	if strings.Contains(rest, "deep-research") {
		p.DeepResearch = true
		rest = strings.ReplaceAll(rest, SuffixDeepResearch, "")
	}
	if strings.Contains(rest, SuffixImageEdit) {
		p.ImageEdit = true
		rest = strings.ReplaceAll(rest, SuffixImageEdit, "")
	}
	if strings.Contains(rest, SuffixThinking) {
		p.Thinking = true
		rest = strings.ReplaceAll(rest, SuffixThinking, "")
	}
	if strings.Contains(rest, SuffixSearch) {
		p.Search = true
		rest = strings.ReplaceAll(rest, SuffixSearch, "")
	}
	if strings.Contains(rest, SuffixImage) {
		p.Image = true
		rest = strings.ReplaceAll(rest, SuffixImage, "")
	}
	if strings.Contains(rest, SuffixVideo) {
		p.Video = true
		rest = strings.ReplaceAll(rest, SuffixVideo, "")
	}

	if rest == "" {
		rest = name
	}
	p.BaseModel = rest
	p.ChatType = chatTypeFor(p)
	return p
}

func chatTypeFor(p Parsed) ChatType {
	switch {
	case p.ImageEdit:
		return ChatTypeImageEdit
	case p.Image:
		return ChatTypeImage
	case p.Video:
		return ChatTypeVideo
	case p.DeepResearch:
		return ChatTypeDeepResearch
	case p.Search:
		return ChatTypeSearch
	default:
		return ChatTypeText
	}
}

// Expand returns base plus every single-suffix variant the caller allows.
func Expand(base string, suffixes ...string) []string {
	out := make([]string, 0, len(suffixes)+1)
	out = append(out, base)
	for _, s := range suffixes {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		if !strings.HasPrefix(s, "-") {
			s = "-" + s
		}
		out = append(out, base+s)
	}
	return out
}
