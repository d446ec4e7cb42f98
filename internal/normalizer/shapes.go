package normalizer

import (
	"encoding/json"
	"strings"
)

// urlShape pairs a named response layout with the extractor that reads it.
type urlShape struct {
	name    string
	extract func(payload map[string]any) []string
}

// urlShapes is probed in order; the first shape yielding a non-empty list wins.
// New provider layouts are appended here.
var urlShapes = []urlShape{
	{name: "resultUrl", extract: urlsAt("resultUrl")},
	{name: "response.resultUrls", extract: urlsAt("response", "resultUrls")},
	{name: "response.resultImageUrl", extract: urlsAt("response", "resultImageUrl")},
	{name: "resultJson", extract: stringifiedJSON("resultJson")},
	{name: "resultUrls", extract: urlsAt("resultUrls")},
	{name: "output[].url", extract: objectURLs("output")},
	{name: "images[].url", extract: objectURLs("images")},
	{name: "videos[].url", extract: objectURLs("videos")},
	{name: "info.resultUrls", extract: urlsAt("info", "resultUrls")},
	{name: "info.resultImageUrl", extract: urlsAt("info", "resultImageUrl")},
	{name: "videoInfo.videoUrl", extract: urlsAt("videoInfo", "videoUrl")},
	{name: "response.originUrls", extract: urlsAt("response", "originUrls")},
	{name: "video_url", extract: urlsAt("video_url")},
	{name: "image_url", extract: urlsAt("image_url")},
}

// ShapeNames lists the probed layouts in evaluation order.
func ShapeNames() []string {
	names := make([]string, 0, len(urlShapes))
	for _, shape := range urlShapes {
		names = append(names, shape.name)
	}
	return names
}

func extractURLs(payload map[string]any) ([]string, string) {
	for _, shape := range urlShapes {
		if urls := shape.extract(payload); len(urls) > 0 {
			return urls, shape.name
		}
	}
	return nil, ""
}

func lookup(payload map[string]any, path ...string) (any, bool) {
	var current any = payload
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func urlsAt(path ...string) func(map[string]any) []string {
	return func(payload map[string]any) []string {
		value, ok := lookup(payload, path...)
		if !ok {
			return nil
		}
		return cleanURLs(value)
	}
}

// stringifiedJSON handles providers that embed a JSON document as a string field.
func stringifiedJSON(field string) func(map[string]any) []string {
	return func(payload map[string]any) []string {
		raw, ok := payload[field].(string)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil
		}
		var inner map[string]any
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return nil
		}
		for _, key := range []string{"resultUrls", "resultUrl", "urls"} {
			if urls := cleanURLs(inner[key]); len(urls) > 0 {
				return urls
			}
		}
		return nil
	}
}

func objectURLs(field string) func(map[string]any) []string {
	return func(payload map[string]any) []string {
		items, ok := payload[field].([]any)
		if !ok {
			return nil
		}
		var urls []string
		for _, item := range items {
			switch v := item.(type) {
			case map[string]any:
				urls = append(urls, cleanURLs(v["url"])...)
			case string:
				urls = append(urls, cleanURLs(v)...)
			}
		}
		return urls
	}
}

func cleanURLs(value any) []string {
	switch v := value.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	}
	return nil
}
