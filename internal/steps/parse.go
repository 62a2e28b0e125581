package steps

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"sagaforge/internal/llm"
)

// object extracts and parses the JSON object of a completion, failing when
// any of the required paths is absent.
func object(text string, required ...string) (gjson.Result, error) {
	doc, ok := llm.ExtractJSON(text)
	if !ok {
		return gjson.Result{}, fmt.Errorf("no JSON object in output")
	}
	res := gjson.Parse(doc)
	for _, path := range required {
		if !res.Get(path).Exists() {
			return gjson.Result{}, fmt.Errorf("missing field %q", path)
		}
	}
	return res, nil
}

func stringList(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}
	if !r.IsArray() {
		if s := strings.TrimSpace(r.String()); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, item := range r.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func floatMap(r gjson.Result) map[string]float64 {
	if !r.IsObject() {
		return nil
	}
	out := make(map[string]float64)
	r.ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number {
			out[k.String()] = v.Float()
		}
		return true
	})
	return out
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clampFloat(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
