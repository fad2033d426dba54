package runpod

import (
	"encoding/json"
	"strings"

	"nursefilter/pkg/dataurl"
)

// Remote status values as reported by the worker.
const (
	remoteStatusCompleted = "COMPLETED"
	remoteStatusFailed    = "FAILED"
)

// StatusPayload is the worker's job envelope, returned by submission and
// status calls and delivered to the webhook.
type StatusPayload struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Completed reports a successful terminal payload.
func (p *StatusPayload) Completed() bool {
	return strings.EqualFold(p.Status, remoteStatusCompleted)
}

// Failed reports an explicit failure payload.
func (p *StatusPayload) Failed() bool {
	return strings.EqualFold(p.Status, remoteStatusFailed)
}

// Terminal reports whether the payload carries a final state.
func (p *StatusPayload) Terminal() bool {
	return p.Completed() || p.Failed()
}

// outputBody is the union of output schemas the worker produces across job
// types. Fields are probed in the fixed order of extractRules.
type outputBody struct {
	OutputImage string            `json:"output_image"`
	Images      []json.RawMessage `json:"images"`
	Message     string            `json:"message"`
	AllImages   []json.RawMessage `json:"all_images"`
}

type extractRule struct {
	name string
	pick func(out *outputBody) (string, bool)
}

// extractRules is the ordered fallback chain for locating the output image in
// a completed payload. Order matters: earlier schemas are more specific.
var extractRules = []extractRule{
	{
		name: "output_image",
		pick: func(out *outputBody) (string, bool) {
			if out.OutputImage == "" {
				return "", false
			}
			return out.OutputImage, true
		},
	},
	{
		name: "images[0]",
		pick: func(out *outputBody) (string, bool) {
			if len(out.Images) == 0 {
				return "", false
			}
			return decodeImageEntry(out.Images[0])
		},
	},
	{
		name: "message data uri",
		pick: func(out *outputBody) (string, bool) {
			if !dataurl.IsDataURL(out.Message) {
				return "", false
			}
			return out.Message, true
		},
	},
	{
		name: "message bare base64",
		pick: func(out *outputBody) (string, bool) {
			if out.Message == "" {
				return "", false
			}
			return out.Message, true
		},
	},
	{
		name: "all_images via message",
		pick: func(out *outputBody) (string, bool) {
			// all_images carries worker-side file paths, not fetchable URLs;
			// the usable payload rides along in message.
			if len(out.AllImages) == 0 || out.Message == "" {
				return "", false
			}
			return out.Message, true
		},
	},
}

// ExtractOutput locates the output image in a completed payload, returning it
// normalized to a data URI. A completed job with no recognizable output
// returns ok=false; that is not an error, the job simply has no artifact.
func ExtractOutput(raw json.RawMessage) (image string, rule string, ok bool) {
	if len(raw) == 0 {
		return "", "", false
	}
	var out outputBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", "", false
	}
	for _, r := range extractRules {
		if picked, ok := r.pick(&out); ok {
			return dataurl.Normalize(picked), r.name, true
		}
	}
	return "", "", false
}

// decodeImageEntry accepts either {"image": "..."} objects or bare strings,
// the two shapes the worker uses inside images arrays.
func decodeImageEntry(raw json.RawMessage) (string, bool) {
	var obj struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Image != "" {
		return obj.Image, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, true
	}
	return "", false
}
