// Package hlsparse implements HlsParser: parsing of HLS master and
// media playlists with a line-oriented bufio.Scanner reader.
package hlsparse

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotM3U is returned when the first non-empty line isn't #EXTM3U.
var ErrNotM3U = errors.New("hlsparse: missing #EXTM3U header")

// ErrFormat wraps a malformed-playlist condition other than a missing
// header.
var ErrFormat = errors.New("hlsparse: malformed playlist")

// Variant is one rendition listed in a master playlist.
type Variant struct {
	URL        string
	Bandwidth  int
	Resolution string
	Codecs     string
}

// Master is a parsed master playlist, variants sorted by descending
// bandwidth.
type Master struct {
	Variants []Variant
}

// BestVariant returns the highest-bandwidth variant. Panics only if
// called on an empty Master, which the parser never produces (Parse
// builds a Master only when a STREAM-INF tag is present, and every
// such tag yields a variant or an ErrFormat error).
func (m Master) BestVariant() Variant {
	return m.Variants[0]
}

// ClosestTo returns the variant whose bandwidth has the smallest
// absolute difference from target.
func (m Master) ClosestTo(target int) Variant {
	best := m.Variants[0]
	bestDiff := abs(best.Bandwidth - target)
	for _, v := range m.Variants[1:] {
		if d := abs(v.Bandwidth - target); d < bestDiff {
			best, bestDiff = v, d
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Segment is one entry in a media playlist.
type Segment struct {
	URL      string
	Duration float64
	Index    int
	// ProgramDateTime is the wall-clock timestamp from a preceding
	// #EXT-X-PROGRAM-DATE-TIME tag, if the playlist carries one. Used
	// only for log enrichment; nil whenever the tag is absent.
	ProgramDateTime *time.Time
}

// Media is a parsed media playlist.
type Media struct {
	Segments       []Segment
	TargetDuration int
	MediaSequence  int
	IsLive         bool
}

// Parse dispatches to a master or media playlist parse based on the
// presence of any #EXT-X-STREAM-INF tag, resolving relative segment
// and variant URLs against fetchedFrom.
func Parse(body string, fetchedFrom string) (*Master, *Media, error) {
	lines, err := headerCheckedLines(body)
	if err != nil {
		return nil, nil, err
	}

	if containsStreamInf(lines) {
		m, err := parseMaster(lines, fetchedFrom)
		return m, nil, err
	}
	m, err := parseMedia(lines, fetchedFrom)
	return nil, m, err
}

func headerCheckedLines(body string) ([]string, error) {
	scanner := bufio.NewScanner(strings.NewReader(body))
	var lines []string
	sawHeader := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if line != "#EXTM3U" {
				return nil, ErrNotM3U
			}
			sawHeader = true
			continue
		}
		lines = append(lines, line)
	}
	if !sawHeader {
		return nil, ErrNotM3U
	}
	return lines, nil
}

func containsStreamInf(lines []string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, "#EXT-X-STREAM-INF:") {
			return true
		}
	}
	return false
}

func parseMaster(lines []string, fetchedFrom string) (*Master, error) {
	var variants []Variant
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			continue
		}
		attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
		if i+1 >= len(lines) || strings.HasPrefix(lines[i+1], "#") {
			return nil, fmt.Errorf("%w: STREAM-INF not followed by a URI", ErrFormat)
		}
		i++
		uri := lines[i]

		bandwidth, err := strconv.Atoi(attrs["BANDWIDTH"])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid BANDWIDTH: %v", ErrFormat, err)
		}
		resolved, err := resolveURL(fetchedFrom, uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		variants = append(variants, Variant{
			URL:        resolved,
			Bandwidth:  bandwidth,
			Resolution: attrs["RESOLUTION"],
			Codecs:     attrs["CODECS"],
		})
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: no variants in master playlist", ErrFormat)
	}
	sort.SliceStable(variants, func(a, b int) bool {
		return variants[a].Bandwidth > variants[b].Bandwidth
	})
	return &Master{Variants: variants}, nil
}

func parseMedia(lines []string, fetchedFrom string) (*Media, error) {
	media := &Media{IsLive: true}
	var pendingDuration float64
	havePendingDuration := false
	var pendingPDT *time.Time
	index := 0

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			raw := strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				pendingPDT = &t
			} else {
				// Malformed PDT is not fatal to the playlist; the
				// timestamp is an enrichment, not a correctness input.
				pendingPDT = nil
			}
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid TARGETDURATION: %v", ErrFormat, err)
			}
			media.TargetDuration = int(math.Ceil(v))
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid MEDIA-SEQUENCE: %v", ErrFormat, err)
			}
			media.MediaSequence = v
		case strings.HasPrefix(line, "#EXTINF:"):
			rest := strings.TrimPrefix(line, "#EXTINF:")
			durStr := strings.SplitN(rest, ",", 2)[0]
			v, err := strconv.ParseFloat(durStr, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid EXTINF: %v", ErrFormat, err)
			}
			pendingDuration = v
			havePendingDuration = true
		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			media.IsLive = false
		case strings.HasPrefix(line, "#"):
			// Unrecognized tag (#EXT-X-KEY, #EXT-X-DISCONTINUITY, ...):
			// ignored, not fatal.
		default:
			if !havePendingDuration {
				return nil, fmt.Errorf("%w: segment URI without preceding EXTINF", ErrFormat)
			}
			resolved, err := resolveURL(fetchedFrom, line)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			media.Segments = append(media.Segments, Segment{
				URL:             resolved,
				Duration:        pendingDuration,
				Index:           index,
				ProgramDateTime: pendingPDT,
			})
			index++
			havePendingDuration = false
			pendingPDT = nil
		}
	}
	return media, nil
}

// parseAttributes tokenizes a comma-separated KEY=value / KEY="quoted
// value" attribute list. Keys match [A-Z0-9-]+ per spec.
func parseAttributes(s string) map[string]string {
	out := make(map[string]string)
	i := 0
	n := len(s)
	for i < n {
		for i < n && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		keyStart := i
		for i < n && s[i] != '=' {
			i++
		}
		if i >= n {
			break
		}
		key := strings.TrimSpace(s[keyStart:i])
		i++ // skip '='

		var value string
		if i < n && s[i] == '"' {
			i++
			valStart := i
			for i < n && s[i] != '"' {
				i++
			}
			value = s[valStart:i]
			if i < n {
				i++ // skip closing quote
			}
		} else {
			valStart := i
			for i < n && s[i] != ',' {
				i++
			}
			value = s[valStart:i]
		}
		out[key] = value
	}
	return out
}

// resolveURL resolves ref against the scheme/authority (or directory
// prefix) of base: absolute URLs pass through unchanged, leading-slash
// URLs combine with scheme+authority, and other relative URLs combine
// with the base's directory.
func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL %q: %w", base, err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference URL %q: %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
