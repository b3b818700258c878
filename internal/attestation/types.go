package attestation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNoReportDigest    = errors.New("credential attributes carry no report digest")
	ErrInvalidAttributes = errors.New("invalid credential attributes")
)

// IssuedLayout is the timestamp format of the dt attribute.
const IssuedLayout = "2006-01-02T15:04:05.000000-07:00"

// Attestation is the attribute block of a verified report credential.
type Attestation struct {
	// Credential is the SAID of the credential carrying this block.
	Credential string
	Issuer     string

	SAID         string
	ReportDigest string
	Issued       time.Time
	Facts        []Fact
}

// Fact is one attested XBRL fact.
type Fact struct {
	ID         string
	Name       string
	Digest     string
	Value      *string
	Concept    QName
	Entity     QName
	Period     Period
	Unit       *QName
	Dimensions []Dimension
	Format     string
}

// QName is a prefixed XML name, "prefix:local".
type QName struct {
	Prefix string
	Local  string
}

func ParseQName(s string) (QName, error) {
	prefix, local, ok := strings.Cut(s, ":")
	if !ok || prefix == "" || local == "" {
		return QName{}, fmt.Errorf("%w: qname %q must be prefix:local", ErrInvalidAttributes, s)
	}
	return QName{Prefix: prefix, Local: local}, nil
}

func (q QName) String() string { return q.Prefix + ":" + q.Local }

func (q QName) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

type PeriodKind int

const (
	Forever PeriodKind = iota
	Instant
	Duration
)

// Period is forever, an instant, or a start/end duration.
type Period struct {
	Kind  PeriodKind
	Start time.Time
	End   time.Time
}

var periodLayouts = []string{"2006-01-02", "2006-01-02T15:04:05", time.RFC3339}

func parseDate(s string) (time.Time, error) {
	for _, l := range periodLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: period date %q", ErrInvalidAttributes, s)
}

func ParsePeriod(s string) (Period, error) {
	if s == "f" {
		return Period{Kind: Forever}, nil
	}
	if start, end, ok := strings.Cut(s, "/"); ok {
		st, err := parseDate(start)
		if err != nil {
			return Period{}, err
		}
		en, err := parseDate(end)
		if err != nil {
			return Period{}, err
		}
		if en.Before(st) {
			return Period{}, fmt.Errorf("%w: period %q ends before it starts", ErrInvalidAttributes, s)
		}
		return Period{Kind: Duration, Start: st, End: en}, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return Period{}, err
	}
	return Period{Kind: Instant, End: t}, nil
}

func formatDate(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02T15:04:05")
}

func (p Period) String() string {
	switch p.Kind {
	case Instant:
		return formatDate(p.End)
	case Duration:
		return formatDate(p.Start) + "/" + formatDate(p.End)
	default:
		return "f"
	}
}

func (p Period) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Dimension qualifies a fact along an axis, either by an explicit member or
// by a typed value.
type Dimension struct {
	Axis   QName
	Member *QName
	Typed  string
}

func (d Dimension) value() string {
	if d.Member != nil {
		return d.Member.String()
	}
	return d.Typed
}

// FromAttributes validates a credential attribute block and builds the typed
// Attestation. A block without rd yields ErrNoReportDigest.
func FromAttributes(attrs map[string]any) (*Attestation, error) {
	rd, _ := attrs["rd"].(string)
	if rd == "" {
		return nil, ErrNoReportDigest
	}
	a := &Attestation{ReportDigest: rd}
	a.SAID, _ = attrs["d"].(string)

	if dt, ok := attrs["dt"].(string); ok && dt != "" {
		t, err := time.Parse(IssuedLayout, dt)
		if err != nil {
			if t, err = time.Parse(time.RFC3339Nano, dt); err != nil {
				return nil, fmt.Errorf("%w: dt %q", ErrInvalidAttributes, dt)
			}
		}
		a.Issued = t
	}

	raw, ok := attrs["f"]
	if !ok || raw == nil {
		return a, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: f must be a list", ErrInvalidAttributes)
	}
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: fact %d is not an object", ErrInvalidAttributes, i)
		}
		f, err := factFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("fact %d: %w", i, err)
		}
		a.Facts = append(a.Facts, f)
	}
	return a, nil
}

var factKeys = map[string]bool{"i": true, "t": true, "d": true, "v": true, "c": true, "e": true, "p": true, "u": true, "f": true}

func requireString(m map[string]any, key string) (string, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidAttributes, key)
	}
	return s, nil
}

func factFromMap(m map[string]any) (Fact, error) {
	var f Fact
	var err error
	if f.ID, err = requireString(m, "i"); err != nil {
		return f, err
	}
	if f.Name, err = requireString(m, "t"); err != nil {
		return f, err
	}
	if f.Digest, err = requireString(m, "d"); err != nil {
		return f, err
	}
	switch v := m["v"].(type) {
	case nil:
	case string:
		f.Value = &v
	default:
		return f, fmt.Errorf("%w: value must be a string or null", ErrInvalidAttributes)
	}

	c, err := requireString(m, "c")
	if err != nil {
		return f, err
	}
	if f.Concept, err = ParseQName(c); err != nil {
		return f, err
	}
	e, err := requireString(m, "e")
	if err != nil {
		return f, err
	}
	if f.Entity, err = ParseQName(e); err != nil {
		return f, err
	}
	p, err := requireString(m, "p")
	if err != nil {
		return f, err
	}
	if f.Period, err = ParsePeriod(p); err != nil {
		return f, err
	}
	if u, ok := m["u"].(string); ok {
		q, err := ParseQName(u)
		if err != nil {
			return f, err
		}
		f.Unit = &q
	}
	f.Format, _ = m["f"].(string)

	var axes []string
	for k := range m {
		if !factKeys[k] {
			axes = append(axes, k)
		}
	}
	sort.Strings(axes)
	for _, k := range axes {
		axis, err := ParseQName(k)
		if err != nil {
			return f, err
		}
		val, ok := m[k].(string)
		if !ok {
			return f, fmt.Errorf("%w: dimension %s must be a string", ErrInvalidAttributes, k)
		}
		d := Dimension{Axis: axis}
		if q, err := ParseQName(val); err == nil {
			d.Member = &q
		} else {
			d.Typed = val
		}
		f.Dimensions = append(f.Dimensions, d)
	}
	return f, nil
}

// MarshalJSON renders the attribute block in its wire form.
func (a *Attestation) MarshalJSON() ([]byte, error) {
	out := map[string]any{"rd": a.ReportDigest}
	if a.SAID != "" {
		out["d"] = a.SAID
	}
	if !a.Issued.IsZero() {
		out["dt"] = a.Issued.Format(IssuedLayout)
	}
	if len(a.Facts) > 0 {
		out["f"] = a.Facts
	}
	return json.Marshal(out)
}

func (f Fact) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"i": f.ID,
		"t": f.Name,
		"d": f.Digest,
		"v": f.Value,
		"c": f.Concept,
		"e": f.Entity,
		"p": f.Period,
	}
	if f.Unit != nil {
		out["u"] = f.Unit
	}
	if f.Format != "" {
		out["f"] = f.Format
	}
	for _, d := range f.Dimensions {
		out[d.Axis.String()] = d.value()
	}
	return json.Marshal(out)
}
