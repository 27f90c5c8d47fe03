package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TaskFingerprint hashes method, URL and parameters; non-GET tasks also hash their body.
func TaskFingerprint(h Hasher, t *Task) (string, error) {
	normalized, err := NormalizeURL(t.Target.URL)
	if err != nil {
		normalized = t.Target.URL
	}
	var b strings.Builder
	method := t.Target.HTTPMethod()
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(normalized)
	b.WriteByte('\n')
	b.WriteString(url.Values(t.Target.Params).Encode())
	if method != http.MethodGet {
		form := url.Values{}
		for k, v := range t.Target.Data {
			form.Set(k, v)
		}
		b.WriteByte('\n')
		b.WriteString(form.Encode())
		if t.Target.JSON != nil {
			raw, err := json.Marshal(t.Target.JSON)
			if err != nil {
				return "", fmt.Errorf("marshal json body: %w", err)
			}
			b.WriteByte('\n')
			b.Write(raw)
		}
	}
	sum, err := h.Hash([]byte(b.String()))
	if err != nil {
		return "", fmt.Errorf("hash task: %w", err)
	}
	return sum, nil
}

// RecordFingerprint hashes the record kind and its canonical JSON payload.
func RecordFingerprint(h Hasher, r *Record) (string, error) {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	sum, err := h.Hash(append([]byte(r.Kind+"\n"), raw...))
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	return sum, nil
}
