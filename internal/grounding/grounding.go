// Package grounding checks that the citations in a final answer quote the
// analysed context verbatim.
package grounding

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Mode decides what happens to a citation whose quote is not found.
type Mode string

const (
	// ModeDrop removes unverified citations and keeps the rest.
	ModeDrop Mode = "drop"
	// ModeReject fails the whole response.
	ModeReject Mode = "reject"
)

var ErrGroundingMismatch = errors.New("grounding mismatch")

// MismatchError lists the markers whose quotes could not be verified.
type MismatchError struct {
	Markers []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("GroundingMismatch: quotes for markers %s not found in context", strings.Join(e.Markers, ", "))
}

func (e *MismatchError) Is(target error) bool { return target == ErrGroundingMismatch }

// Response is an answer with inline [n] markers and the quote each marker
// claims to cite.
type Response struct {
	Info      string            `json:"info"`
	Grounding map[string]string `json:"grounding"`
}

// Result is a grounded response. Dropped lists markers removed in drop
// mode, in marker order.
type Result struct {
	Response
	Dropped []string `json:"dropped,omitempty"`
}

var (
	markerPattern = regexp.MustCompile(`\[(\d+)\]`)
	fencePattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")
)

// Parse extracts the {"info", "grounding"} object from model output, which
// may wrap it in a code fence or surround it with prose.
func Parse(raw string) (Response, error) {
	body := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(body); m != nil {
		body = m[1]
	} else if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var resp Response
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return Response{}, fmt.Errorf("parsing grounded response: %w", err)
	}
	if resp.Grounding == nil {
		resp.Grounding = map[string]string{}
	}
	normalized := make(map[string]string, len(resp.Grounding))
	for k, v := range resp.Grounding {
		normalized[normalizeMarker(k)] = v
	}
	resp.Grounding = normalized
	return resp, nil
}

func normalizeMarker(k string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(k), "["), "]")
}

// Markers returns the distinct markers cited in text, in order of first use.
func Markers(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Ground keeps the citations whose quotes occur verbatim in payload.
// Matching is exact: case, whitespace and punctuation must agree. For
// structured payloads a quote must occur within a single string value or
// key. A marker used in Info without any claimed quote counts as
// unverified. Quotes are never altered or substituted.
func Ground(resp Response, payload any, mode Mode) (*Result, error) {
	texts := sources(payload)
	found := func(quote string) bool {
		if quote == "" {
			return false
		}
		for _, t := range texts {
			if strings.Contains(t, quote) {
				return true
			}
		}
		return false
	}

	res := &Result{Response: Response{Info: resp.Info, Grounding: map[string]string{}}}
	var missing []string
	for k, quote := range resp.Grounding {
		if found(quote) {
			res.Grounding[k] = quote
		} else {
			missing = append(missing, k)
		}
	}
	for _, k := range Markers(resp.Info) {
		if _, ok := resp.Grounding[k]; !ok {
			missing = append(missing, k)
		}
	}
	sortMarkers(missing)

	if len(missing) > 0 && mode == ModeReject {
		return nil, &MismatchError{Markers: missing}
	}
	res.Dropped = missing
	return res, nil
}

// sources flattens a payload into the strings quotes are matched against.
func sources(payload any) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch v := v.(type) {
		case string:
			out = append(out, v)
		case []any:
			for _, item := range v {
				walk(item)
			}
		case map[string]any:
			for k, item := range v {
				out = append(out, k)
				walk(item)
			}
		case nil:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	walk(payload)
	return out
}

// sortMarkers orders numeric markers numerically and others after them.
func sortMarkers(ms []string) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, errA := strconv.Atoi(ms[i])
		b, errB := strconv.Atoi(ms[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return ms[i] < ms[j]
	})
}
