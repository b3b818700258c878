package attestation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAttributes() map[string]any {
	return map[string]any{
		"d":  "EBlockSaid00000000000000000000000000000000000",
		"rd": "EReportDigest000000000000000000000000000000000",
		"dt": "2024-03-01T12:00:00.000000+00:00",
		"f": []any{
			map[string]any{
				"i":              "fact-1",
				"t":              "Revenue",
				"d":              "EFactDigest",
				"v":              "1000",
				"c":              "ifrs-full:Revenue",
				"e":              "e:5493001KJTIIGC8Y1R12",
				"p":              "2023-01-01/2023-12-31",
				"u":              "iso4217:EUR",
				"ifrs-full:Axis": "ifrs-full:SegmentMember",
				"ext:TypedAxis":  "north",
			},
			map[string]any{
				"i": "fact-2",
				"t": "Name",
				"d": "EFactDigest2",
				"v": nil,
				"c": "ifrs-full:NameOfReportingEntity",
				"e": "e:5493001KJTIIGC8Y1R12",
				"p": "f",
			},
		},
	}
}

func TestFromAttributes(t *testing.T) {
	a, err := FromAttributes(sampleAttributes())
	require.NoError(t, err)
	assert.Equal(t, "EReportDigest000000000000000000000000000000000", a.ReportDigest)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), a.Issued.UTC())
	require.Len(t, a.Facts, 2)

	f := a.Facts[0]
	assert.Equal(t, QName{"ifrs-full", "Revenue"}, f.Concept)
	assert.Equal(t, Duration, f.Period.Kind)
	require.NotNil(t, f.Unit)
	assert.Equal(t, "iso4217:EUR", f.Unit.String())
	require.Len(t, f.Dimensions, 2)
	assert.Equal(t, "ext:TypedAxis", f.Dimensions[0].Axis.String())
	assert.Equal(t, "north", f.Dimensions[0].Typed)
	require.NotNil(t, f.Dimensions[1].Member)
	assert.Equal(t, "ifrs-full:SegmentMember", f.Dimensions[1].Member.String())

	assert.Nil(t, a.Facts[1].Value)
	assert.Equal(t, Forever, a.Facts[1].Period.Kind)
}

func TestFromAttributesMissingDigest(t *testing.T) {
	_, err := FromAttributes(map[string]any{"d": "Eabc"})
	assert.ErrorIs(t, err, ErrNoReportDigest)
}

func TestFromAttributesInvalid(t *testing.T) {
	cases := map[string]func(m map[string]any){
		"bad qname":    func(m map[string]any) { fact(m)["c"] = "Revenue" },
		"bad period":   func(m map[string]any) { fact(m)["p"] = "yesterday" },
		"reversed":     func(m map[string]any) { fact(m)["p"] = "2023-12-31/2023-01-01" },
		"missing id":   func(m map[string]any) { delete(fact(m), "i") },
		"numeric v":    func(m map[string]any) { fact(m)["v"] = 10.0 },
		"facts object": func(m map[string]any) { m["f"] = map[string]any{} },
		"bad dt":       func(m map[string]any) { m["dt"] = "March" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := sampleAttributes()
			mutate(m)
			_, err := FromAttributes(m)
			assert.ErrorIs(t, err, ErrInvalidAttributes)
		})
	}
}

func fact(m map[string]any) map[string]any {
	return m["f"].([]any)[0].(map[string]any)
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2023-12-31")
	require.NoError(t, err)
	assert.Equal(t, Instant, p.Kind)
	assert.Equal(t, "2023-12-31", p.String())

	p, err = ParsePeriod("2023-01-01T08:30:00/2023-12-31")
	require.NoError(t, err)
	assert.Equal(t, "2023-01-01T08:30:00/2023-12-31", p.String())
}

func TestAttestationWireForm(t *testing.T) {
	a, err := FromAttributes(sampleAttributes())
	require.NoError(t, err)
	raw, err := json.Marshal(a)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(raw, &back))
	again, err := FromAttributes(back)
	require.NoError(t, err)
	assert.Equal(t, a.Facts, again.Facts)
	assert.Equal(t, a.ReportDigest, again.ReportDigest)
	assert.Equal(t, "2024-03-01T12:00:00.000000+00:00", back["dt"])
}
