package proof

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/exploopio/judge/pkg/compress"
)

// Format is a proof export encoding.
type Format string

const (
	// FormatJSON is indented JSON.
	FormatJSON Format = "json"

	// FormatHex is the hex encoding of compact JSON.
	FormatHex Format = "hex"

	// FormatZSTD is the hex encoding of zstd-compressed compact JSON.
	FormatZSTD Format = "zstd"
)

// ParseFormat validates a format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatHex, FormatZSTD:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// Export encodes a proof record for third-party verification.
func Export(rec *Record, format Format) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("export: nil record")
	}

	if format == FormatJSON || format == "" {
		b, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return "", fmt.Errorf("export: marshal: %w", err)
		}
		return string(b), nil
	}

	compact, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("export: marshal: %w", err)
	}

	switch format {
	case FormatHex:
		return hex.EncodeToString(compact), nil
	case FormatZSTD:
		packed, err := compress.DefaultZSTD.Compress(compact)
		if err != nil {
			return "", fmt.Errorf("export: compress: %w", err)
		}
		return hex.EncodeToString(packed), nil
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
}

// DecodeExport reverses Export for the hex and zstd formats, and parses JSON.
func DecodeExport(data string, format Format) (*Record, error) {
	var raw []byte
	switch format {
	case FormatJSON, "":
		raw = []byte(data)
	case FormatHex, FormatZSTD:
		b, err := hex.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode export: %w", err)
		}
		raw = b
		if format == FormatZSTD {
			if raw, err = compress.DefaultZSTD.Decompress(b); err != nil {
				return nil, fmt.Errorf("decode export: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return &rec, nil
}
