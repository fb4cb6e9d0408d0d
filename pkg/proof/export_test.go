package proof

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExport(t *testing.T) {
	height := int64(1234)
	rec := &Record{
		AuditID:        "abc",
		IsVerified:     true,
		ProofHash:      validHash,
		AuditorID:      "agent1",
		ProofTimestamp: testNow,
		BlockHeight:    &height,
	}

	t.Run("json is indented", func(t *testing.T) {
		out, err := Export(rec, FormatJSON)
		if err != nil {
			t.Fatalf("Export() error = %v", err)
		}
		if !strings.Contains(out, "\n  \"audit_id\": \"abc\"") {
			t.Errorf("json export not indented: %s", out)
		}
	})

	t.Run("hex is compact json", func(t *testing.T) {
		out, err := Export(rec, FormatHex)
		if err != nil {
			t.Fatalf("Export() error = %v", err)
		}
		raw, err := hex.DecodeString(out)
		if err != nil {
			t.Fatalf("hex decode: %v", err)
		}
		compact, _ := json.Marshal(rec)
		if string(raw) != string(compact) {
			t.Errorf("hex export = %s, want %s", raw, compact)
		}
	})

	for _, f := range []Format{FormatJSON, FormatHex, FormatZSTD} {
		t.Run("decode "+string(f), func(t *testing.T) {
			out, err := Export(rec, f)
			if err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			back, err := DecodeExport(out, f)
			if err != nil {
				t.Fatalf("DecodeExport() error = %v", err)
			}
			if back.AuditID != rec.AuditID || back.ProofHash != rec.ProofHash ||
				!back.ProofTimestamp.Equal(rec.ProofTimestamp) || *back.BlockHeight != height {
				t.Errorf("decoded %+v, want %+v", back, rec)
			}
		})
	}

	if _, err := Export(nil, FormatJSON); err == nil {
		t.Error("Export(nil) should fail")
	}
	if _, err := Export(rec, Format("xml")); err == nil {
		t.Error("Export(xml) should fail")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"hex", FormatHex, false},
		{" zstd ", FormatZSTD, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestExport_NeverIncludesWitnessFields(t *testing.T) {
	rec := record("p", "agent1", time.Minute)
	out, _ := Export(rec, FormatJSON)
	for _, banned := range []string{"exploit", "risk_score", "riskScore"} {
		if strings.Contains(out, banned) {
			t.Errorf("export contains %q", banned)
		}
	}
}
