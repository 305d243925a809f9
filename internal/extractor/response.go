package extractor

import (
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// Kind names the response shape the text was found in.
type Kind int

const (
	KindUnrecognized Kind = iota
	// choices[0].message.content is a string
	KindStringContent
	// choices[0].message.content is an array of parts
	KindPartsArray
	// choices[0].message.parts
	KindNestedParts
	// choices[0].content, string or parts
	KindChoiceContent
	// choices[0].text
	KindChoiceText
	// choices[0].message is itself a string
	KindPlainMessage
	// the body is not a chat completion at all
	KindRawText
)

func (k Kind) String() string {
	switch k {
	case KindStringContent:
		return "string_content"
	case KindPartsArray:
		return "parts_array"
	case KindNestedParts:
		return "nested_parts"
	case KindChoiceContent:
		return "choice_content"
	case KindChoiceText:
		return "choice_text"
	case KindPlainMessage:
		return "plain_message"
	case KindRawText:
		return "raw_text"
	default:
		return "unrecognized"
	}
}

// Payload is the text found in a model response.
type Payload struct {
	Kind         Kind
	Text         string
	FinishReason string
	// Truncated is set when the model stopped at its token limit.
	Truncated bool
}

type shape struct {
	kind Kind
	text func(choice gjson.Result) string
}

// shapes are tried in order; the first one yielding text wins.
var shapes = []shape{
	{KindStringContent, func(c gjson.Result) string { return stringOf(c.Get("message.content")) }},
	{KindPartsArray, func(c gjson.Result) string { return partsText(c.Get("message.content")) }},
	{KindNestedParts, func(c gjson.Result) string { return partsText(c.Get("message.parts")) }},
	{KindChoiceContent, func(c gjson.Result) string {
		if s := stringOf(c.Get("content")); s != "" {
			return s
		}
		return partsText(c.Get("content"))
	}},
	{KindChoiceText, func(c gjson.Result) string { return stringOf(c.Get("text")) }},
	{KindPlainMessage, func(c gjson.Result) string { return stringOf(c.Get("message")) }},
}

// ClassifyResponse finds the textual payload of a chat completion body.
func ClassifyResponse(body []byte) Payload {
	if !gjson.ValidBytes(body) {
		if s := strings.TrimSpace(string(body)); s != "" {
			return Payload{Kind: KindRawText, Text: s}
		}
		return Payload{Kind: KindUnrecognized}
	}

	choice := gjson.GetBytes(body, "choices.0")
	if !choice.Exists() {
		root := gjson.ParseBytes(body)
		if root.Type == gjson.String && strings.TrimSpace(root.Str) != "" {
			return Payload{Kind: KindRawText, Text: root.Str}
		}
		// a bare analysis object is accepted; status or error envelopes are not
		if root.IsObject() && hasAnalysisKeyJSON(root) {
			return Payload{Kind: KindRawText, Text: root.Raw}
		}
		return Payload{Kind: KindUnrecognized}
	}

	reason := choice.Get("finish_reason").String()
	p := Payload{
		Kind:         KindUnrecognized,
		FinishReason: reason,
		Truncated:    reason == string(openai.FinishReasonLength),
	}
	for _, s := range shapes {
		if text := s.text(choice); strings.TrimSpace(text) != "" {
			p.Kind = s.kind
			p.Text = text
			return p
		}
	}
	return p
}

func stringOf(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.Str
	}
	return ""
}

// partsText joins the text of every part; a part is a string or an object
// carrying text, content, value or value.text.
func partsText(r gjson.Result) string {
	if !r.IsArray() {
		return ""
	}
	var out []string
	for _, part := range r.Array() {
		if s := stringOf(part); s != "" {
			out = append(out, s)
			continue
		}
		for _, path := range []string{"text", "content", "value", "value.text"} {
			if s := stringOf(part.Get(path)); s != "" {
				out = append(out, s)
				break
			}
		}
	}
	return strings.Join(out, "\n")
}

func hasAnalysisKeyJSON(obj gjson.Result) bool {
	for _, k := range analysisKeys {
		if obj.Get(k).Exists() {
			return true
		}
	}
	return false
}
