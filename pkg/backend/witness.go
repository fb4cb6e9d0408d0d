package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WitnessExploitSize is the fixed exploit field width of the proof circuit.
const WitnessExploitSize = 64

// Witness is the private input of a proof: the exploit payload and the exact
// risk score. It is sent to the proof backend and nowhere else. Its string,
// Go-syntax and JSON forms are redacted; use WireFormat for the one request
// that needs the real values.
type Witness struct {
	exploit   string
	riskScore int
}

// NewWitness wraps the private proof inputs.
func NewWitness(exploit string, riskScore int) Witness {
	return Witness{exploit: exploit, riskScore: riskScore}
}

// String implements fmt.Stringer.
func (Witness) String() string { return "Witness{REDACTED}" }

// GoString implements fmt.GoStringer.
func (Witness) GoString() string { return "backend.Witness{REDACTED}" }

// MarshalJSON keeps the witness out of logs and audit entries.
func (Witness) MarshalJSON() ([]byte, error) { return []byte(`"REDACTED"`), nil }

// IsZero reports whether the witness is empty.
func (w Witness) IsZero() bool { return w.exploit == "" && w.riskScore == 0 }

// wireWitness is the circuit's private state shape.
type wireWitness struct {
	ExploitString []int `json:"exploitString"`
	RiskScore     int   `json:"riskScore"`
}

// WireFormat encodes the witness as the circuit expects it: the exploit
// truncated or zero padded to 64 bytes, as a list of byte values.
func (w Witness) WireFormat() json.RawMessage {
	b := make([]byte, WitnessExploitSize)
	copy(b, w.exploit)

	ints := make([]int, WitnessExploitSize)
	for i, c := range b {
		ints[i] = int(c)
	}
	data, _ := json.Marshal(wireWitness{ExploitString: ints, RiskScore: w.riskScore})
	return data
}

// SubmitRequest asks the proof backend to prove that the witness risk score
// exceeds Threshold and record the proof under AuditID.
type SubmitRequest struct {
	AuditID   string  `json:"audit_id"`
	AuditorID string  `json:"auditor_id"`
	Threshold int     `json:"threshold"`
	Witness   Witness `json:"witness"`
}

// NewAuditID derives a fresh 64-hex audit identifier. A random UUID is mixed
// in so that identical payloads submitted at the same instant never collide.
func NewAuditID(payload string, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(uuid.NewString()))
	h.Write([]byte(payload))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// AuditID derives a fresh audit identifier for this witness.
func (w Witness) AuditID(ts time.Time) string {
	return NewAuditID(w.exploit, ts)
}
