package client

import (
	"bytes"
	"encoding/json"
	"strings"
)

// flexURL decodes either a bare string or an object with a url field.
type flexURL string

func (f *flexURL) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexURL(s)
		return nil
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		// shapes we don't model are treated as absent
		return nil
	}
	*f = flexURL(obj.URL)
	return nil
}

// atlasPayload covers every reply shape observed from Atlas models.
// Fields are populated depending on model and endpoint.
type atlasPayload struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Error    string        `json:"error"`
	Output   flexURL       `json:"output"`
	Outputs  []flexURL     `json:"outputs"`
	ImageURL string        `json:"image_url"`
	VideoURL string        `json:"video_url"`
	URL      string        `json:"url"`
	Data     *atlasPayload `json:"data"`
}

func (p *atlasPayload) jobID() string {
	if p.ID != "" {
		return p.ID
	}
	if p.Data != nil {
		return p.Data.ID
	}
	return ""
}

func (p *atlasPayload) status() string {
	s := p.Status
	if s == "" && p.Data != nil {
		s = p.Data.Status
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func (p *atlasPayload) errorMessage() string {
	if p.Error != "" {
		return p.Error
	}
	if p.Data != nil && p.Data.Error != "" {
		return p.Data.Error
	}
	return "generation failed"
}

// Extraction is the result of probing a payload for a media URL.
// Recognized is false when no known field held a value.
type Extraction struct {
	URL        string
	Field      string
	Recognized bool
}

type atlasExtractor struct {
	field string
	fn    func(*atlasPayload) string
}

func firstOutput(outputs []flexURL) string {
	for _, o := range outputs {
		if o != "" {
			return string(o)
		}
	}
	return ""
}

// atlasExtractors is ordered by priority; the first non-empty match wins.
var atlasExtractors = []atlasExtractor{
	{"output.url", func(p *atlasPayload) string { return string(p.Output) }},
	{"data.output.url", func(p *atlasPayload) string {
		if p.Data == nil {
			return ""
		}
		return string(p.Data.Output)
	}},
	{"outputs[0]", func(p *atlasPayload) string { return firstOutput(p.Outputs) }},
	{"data.outputs[0]", func(p *atlasPayload) string {
		if p.Data == nil {
			return ""
		}
		return firstOutput(p.Data.Outputs)
	}},
	{"image_url", func(p *atlasPayload) string { return p.ImageURL }},
	{"video_url", func(p *atlasPayload) string { return p.VideoURL }},
	{"url", func(p *atlasPayload) string { return p.URL }},
}

// extractAtlasURL returns the highest-priority media URL in the payload.
func extractAtlasURL(p *atlasPayload) Extraction {
	for _, ex := range atlasExtractors {
		if u := strings.TrimSpace(ex.fn(p)); u != "" {
			return Extraction{URL: u, Field: ex.field, Recognized: true}
		}
	}
	return Extraction{}
}

// parseAtlasPayload decodes a raw Atlas reply and extracts its media URL.
func parseAtlasPayload(raw []byte) (*atlasPayload, Extraction, error) {
	var p atlasPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, Extraction{}, err
	}
	return &p, extractAtlasURL(&p), nil
}
