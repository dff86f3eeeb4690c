package threat

import (
	"bytes"
	"encoding/base64"
	"net"
	"net/url"
	"path"
	"strings"
)

// ImageInput identifies an image either by URL or by inline base64 bytes.
type ImageInput struct {
	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// ImageScan is the result of an image threat scan.
type ImageScan struct {
	ThreatsFound            bool     `json:"threats_found"`
	QRCodes                 []any    `json:"qr_codes"`
	LogoImpersonation       bool     `json:"logo_impersonation"`
	LogoImpersonationTarget *string  `json:"logo_impersonation_target,omitempty"`
	HiddenLinks             []string `json:"hidden_links"`
	ThreatScore             float64  `json:"threat_score"`
	Confidence              float64  `json:"confidence"`
	Indicators              []string `json:"indicators"`
	Note                    string   `json:"note,omitempty"`
	Degraded                bool     `json:"degraded"`
	Source                  string   `json:"source"`
}

// imageThreatThreshold is the threat score at which ThreatsFound is set.
const imageThreatThreshold = 0.3

// ScoreImage inspects the image reference and, when present, the inline
// bytes. It never fetches the URL; QR decoding is left to the backend.
func ScoreImage(in ImageInput) *ImageScan {
	scan := &ImageScan{
		QRCodes:     []any{},
		HiddenLinks: []string{},
		Indicators:  []string{},
		Degraded:    true,
		Source:      SourceHeuristics,
		Note:        "Local heuristic analysis; QR decoding and logo matching need the detection backend",
	}

	score := 0.0
	if in.ImageURL != "" {
		score += scoreImageURL(in.ImageURL, scan)
	}
	if in.ImageBase64 != "" {
		score += scoreImageBytes(in.ImageBase64, scan)
	}

	scan.HiddenLinks = UniqueStrings(scan.HiddenLinks)
	scan.ThreatScore = Clamp01(score)
	scan.ThreatsFound = scan.ThreatScore >= imageThreatThreshold
	scan.Confidence = fallbackConfidence(len(scan.Indicators))
	return scan
}

func scoreImageURL(raw string, scan *ImageScan) float64 {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(lower, "data:") {
		if !strings.HasPrefix(lower, "data:image/") || strings.HasPrefix(lower, "data:image/svg") {
			scan.Indicators = append(scan.Indicators, "Inline data URI with scriptable or non-image type")
			return 0.4
		}
		return 0
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		scan.Indicators = append(scan.Indicators, "Unparseable image URL")
		return 0.1
	}

	score := 0.0
	host := strings.ToLower(u.Hostname())
	if isShortenerHost(host) {
		scan.Indicators = append(scan.Indicators, "Image served through a URL shortener")
		scan.HiddenLinks = append(scan.HiddenLinks, raw)
		score += 0.3
	}
	if net.ParseIP(host) != nil {
		scan.Indicators = append(scan.Indicators, "Image hosted on a raw IP address")
		score += 0.2
	}
	if u.Scheme == "http" {
		scan.Indicators = append(scan.Indicators, "Image served without TLS")
		score += 0.1
	}

	ext := strings.ToLower(path.Ext(u.Path))
	for _, r := range heuristics.Image.RiskyExtensions {
		if ext == r {
			scan.Indicators = append(scan.Indicators, "Risky file type for an image: "+ext)
			score += 0.3
			break
		}
	}

	query := strings.ToLower(u.RawQuery)
	for _, p := range heuristics.Image.RedirectParams {
		if i := strings.Index(query, p); i >= 0 {
			target := query[i+len(p):]
			if j := strings.IndexByte(target, '&'); j >= 0 {
				target = target[:j]
			}
			if dec, err := url.QueryUnescape(target); err == nil {
				target = dec
			}
			scan.Indicators = append(scan.Indicators, "Image URL carries a redirect parameter")
			scan.HiddenLinks = append(scan.HiddenLinks, target)
			score += 0.3
			break
		}
	}

	file := strings.ToLower(path.Base(u.Path))
	if brand, ok := firstContained(file, heuristics.Domain.BrandKeywords); ok {
		if !ownedByBrand(host, brand) {
			scan.LogoImpersonation = true
			scan.LogoImpersonationTarget = &brand
			scan.Indicators = append(scan.Indicators, "Brand asset served from a third-party host: "+brand)
			score += 0.3
		}
	}
	return score
}

// ownedByBrand reports whether host's registrable label is brand.
func ownedByBrand(host, brand string) bool {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	return labels[len(labels)-2] == brand
}

var (
	magicPE   = []byte("MZ")
	magicZIP  = []byte("PK\x03\x04")
	magicELF  = []byte("\x7fELF")
	svgOpen   = []byte("<svg")
	scriptTag = []byte("<script")
)

func scoreImageBytes(b64 string, scan *ImageScan) float64 {
	if i := strings.Index(b64, ";base64,"); i >= 0 {
		b64 = b64[i+len(";base64,"):]
	}
	b64 = strings.Join(strings.Fields(b64), "")

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(b64)
	}
	if err != nil {
		scan.Indicators = append(scan.Indicators, "Inline image is not valid base64")
		return 0
	}

	score := 0.0
	switch {
	case bytes.HasPrefix(data, magicPE), bytes.HasPrefix(data, magicELF):
		scan.Indicators = append(scan.Indicators, "Executable content disguised as an image")
		score += 0.8
	case bytes.HasPrefix(data, magicZIP):
		scan.Indicators = append(scan.Indicators, "Archive content disguised as an image")
		score += 0.5
	}

	lower := bytes.ToLower(data)
	if bytes.Contains(lower, svgOpen) && bytes.Contains(lower, scriptTag) {
		scan.Indicators = append(scan.Indicators, "SVG image embeds script")
		score += 0.7
	}

	if links := urlPattern.FindAll(data, 10); len(links) > 0 {
		for _, l := range links {
			scan.HiddenLinks = append(scan.HiddenLinks, string(l))
		}
		scan.Indicators = append(scan.Indicators, "Image bytes contain embedded URLs")
		score += 0.2
	}
	return score
}
