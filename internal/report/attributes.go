package report

import (
	"time"

	"github.com/aspect-build/caxe/internal/crypto"
)

const timestampLayout = "2006-01-02T15:04:05.000000-07:00"

// Attributes builds the saidified attribute block an issuer signs into a
// report credential: d (block SAID), rd (report content identifier) and dt
// (issuance time).
func Attributes(doc []byte, mediaType string, alg crypto.Algorithm, now time.Time) (map[string]any, error) {
	rd, err := ContentIDOfType(doc, mediaType, alg)
	if err != nil {
		return nil, err
	}
	block := map[string]any{
		"rd": rd,
		"dt": now.UTC().Format(timestampLayout),
	}
	if _, err := crypto.Saidify(block, crypto.SAIDLabel, alg); err != nil {
		return nil, err
	}
	return block, nil
}
