// Package config holds the typed policy properties consumed by the
// verification engine and an atomically swapped snapshot store for them.
//
// A property is stored under its name, or under "name-index" for indexed
// properties such as trust anchors. Values are kept as strings and converted
// to the declared type on read; unset properties yield their default.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"
)

// ValueType declares how the raw value of a property is interpreted.
type ValueType int

const (
	Numeric ValueType = iota
	String
	Boolean
	Enum
)

func (t ValueType) String() string {
	switch t {
	case Numeric:
		return "numeric"
	case String:
		return "string"
	case Boolean:
		return "boolean"
	case Enum:
		return "enum"
	default:
		return fmt.Sprintf("ValueType(%d)", int(t))
	}
}

// Property describes one configuration key.
type Property struct {
	Name    string
	Type    ValueType
	Default any
	// Values lists the accepted values of an Enum property.
	Values []string
	// Indexed properties may occur several times, each under its own index.
	Indexed bool
}

var (
	// TimestampMaxOffset is the permitted difference, in milliseconds,
	// between a timestamp token and the reference time it is checked against.
	TimestampMaxOffset = &Property{
		Name:    "timestamp-max-offset",
		Type:    Numeric,
		Default: int64(5 * 60 * 1000),
	}

	// MaxGracePeriod is the permitted delay, in hours, between the signing
	// instant and the issuance of revocation data that still covers it.
	MaxGracePeriod = &Property{
		Name:    "max-grace-period",
		Type:    Numeric,
		Default: int64(24 * 7),
	}

	// RevocationPreference selects which kind of revocation evidence is
	// consulted first when both are available.
	RevocationPreference = &Property{
		Name:    "revocation-preference",
		Type:    Enum,
		Values:  []string{"OCSP", "CRL"},
		Default: "OCSP",
	}

	// RequireTimestamp marks signatures without a signature timestamp as
	// untrusted.
	RequireTimestamp = &Property{
		Name:    "require-timestamp",
		Type:    Boolean,
		Default: false,
	}

	// TrustAnchor holds a PEM certificate, or the path to one, trusted for
	// signer certificate chains.
	TrustAnchor = &Property{
		Name:    "trust-anchor",
		Type:    String,
		Default: "",
		Indexed: true,
	}

	// TimestampTrustAnchor holds a PEM certificate, or the path to one,
	// trusted for timestamp authority chains.
	TimestampTrustAnchor = &Property{
		Name:    "timestamp-trust-anchor",
		Type:    String,
		Default: "",
		Indexed: true,
	}
)

var properties = []*Property{
	TimestampMaxOffset,
	MaxGracePeriod,
	RevocationPreference,
	RequireTimestamp,
	TrustAnchor,
	TimestampTrustAnchor,
}

// Properties returns the known properties sorted by name.
func Properties() []*Property {
	out := make([]*Property, len(properties))
	copy(out, properties)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves a stored key ("name" or "name-index") to its property and
// index.
func Lookup(key string) (*Property, string, bool) {
	// Longest name first so "timestamp-trust-anchor-x" does not resolve to a
	// shorter property that happens to be a prefix.
	var best *Property
	for _, p := range properties {
		if key == p.Name {
			return p, "", true
		}
		if p.Indexed && strings.HasPrefix(key, p.Name+"-") {
			if best == nil || len(p.Name) > len(best.Name) {
				best = p
			}
		}
	}
	if best == nil {
		return nil, "", false
	}
	return best, strings.TrimPrefix(key, best.Name+"-"), true
}

// Key returns the storage key of the property for the given index.
func (p *Property) Key(index string) string {
	if index == "" {
		return p.Name
	}
	return p.Name + "-" + index
}

// Parse converts a raw value to the property's type.
func (p *Property) Parse(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch p.Type {
	case Numeric:
		if !govalidator.IsInt(raw) {
			return nil, fmt.Errorf("property %s: %q is not an integer", p.Name, raw)
		}
		return strconv.ParseInt(raw, 10, 64)
	case Boolean:
		b, err := govalidator.ToBoolean(raw)
		if err != nil {
			return nil, fmt.Errorf("property %s: %q is not a boolean", p.Name, raw)
		}
		return b, nil
	case Enum:
		if !govalidator.IsIn(raw, p.Values...) {
			return nil, fmt.Errorf("property %s: %q is not one of %s", p.Name, raw, strings.Join(p.Values, ", "))
		}
		return raw, nil
	case String:
		return raw, nil
	default:
		return nil, fmt.Errorf("property %s: unsupported type %s", p.Name, p.Type)
	}
}

// Format converts a typed value to its stored representation.
func (p *Property) Format(value any) (string, error) {
	var raw string
	switch p.Type {
	case Numeric:
		switch v := value.(type) {
		case int:
			raw = strconv.FormatInt(int64(v), 10)
		case int64:
			raw = strconv.FormatInt(v, 10)
		default:
			return "", fmt.Errorf("property %s: value has incorrect type %T", p.Name, value)
		}
	case Boolean:
		v, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("property %s: value has incorrect type %T", p.Name, value)
		}
		raw = strconv.FormatBool(v)
	case Enum, String:
		v, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("property %s: value has incorrect type %T", p.Name, value)
		}
		raw = v
	}
	if _, err := p.Parse(raw); err != nil {
		return "", err
	}
	return raw, nil
}
