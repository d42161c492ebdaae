package diamcodec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
)

// AVP is a single Attribute-Value Pair. Value holds a string, int64,
// uint32, net.IP, []AVP (Grouped) or []byte (opaque, for any AVP not
// in the dictionary).
type AVP struct {
	Code     uint32
	VendorId uint32
	Mandatory bool

	Name  string
	Value interface{}
}

func newNamedAVP(name string, value interface{}) AVP {
	entry, ok := dictByName[name]
	if !ok {
		panic(fmt.Sprintf("diamcodec: unknown AVP name %q", name))
	}
	return AVP{
		Code:      entry.code,
		VendorId:  entry.vendorId,
		Mandatory: true,
		Name:      name,
		Value:     value,
	}
}

func (a AVP) GetString() string {
	switch v := a.Value.(type) {
	case string:
		return v
	case net.IP:
		return v.String()
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (a AVP) GetUint32() uint32 {
	switch v := a.Value.(type) {
	case uint32:
		return v
	case int64:
		return uint32(v)
	default:
		return 0
	}
}

func (a AVP) GetIP() net.IP {
	if ip, ok := a.Value.(net.IP); ok {
		return ip
	}
	return nil
}

func (a AVP) GetGrouped() []AVP {
	if g, ok := a.Value.([]AVP); ok {
		return g
	}
	return nil
}

// MarshalJSON renders the AVP as a single-key {name: value} object, so
// that a routing rule's HTTP handler (a non-Go collaborator) sees a
// self-describing representation rather than the internal Code/Value
// pair. Grounded on the teacher's DiameterAVP.MarshalJSON/toMap.
func (a AVP) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{a.Name: a.jsonValue()})
}

func (a AVP) jsonValue() interface{} {
	switch v := a.Value.(type) {
	case []AVP:
		group := make([]map[string]interface{}, 0, len(v))
		for _, inner := range v {
			group = append(group, map[string]interface{}{inner.Name: inner.jsonValue()})
		}
		return group
	case net.IP:
		return v.String()
	case []byte:
		return string(v)
	default:
		return v
	}
}

// UnmarshalJSON is the inverse of MarshalJSON: it looks the AVP name up
// in the dictionary to recover its wire type and rebuild a properly
// typed Value (a generic json.Unmarshal into interface{} would instead
// produce float64/string/[]interface{}, losing uint32/net.IP/Grouped
// typing that GetUint32/GetIP/GetGrouped depend on).
func (a *AVP) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("diamcodec: AVP JSON object must have exactly one key, got %d", len(m))
	}

	for name, raw := range m {
		entry, ok := dictByName[name]
		if !ok {
			return fmt.Errorf("diamcodec: unknown AVP name %q", name)
		}

		if entry.kind == typeGrouped {
			var rawGroup []json.RawMessage
			if err := json.Unmarshal(raw, &rawGroup); err != nil {
				return err
			}
			group := make([]AVP, 0, len(rawGroup))
			for _, r := range rawGroup {
				var inner AVP
				if err := json.Unmarshal(r, &inner); err != nil {
					return err
				}
				group = append(group, inner)
			}
			*a = AVP{Code: entry.code, VendorId: entry.vendorId, Mandatory: true, Name: name, Value: group}
			return nil
		}

		switch entry.kind {
		case typeUTF8String, typeOctetString:
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			*a = AVP{Code: entry.code, VendorId: entry.vendorId, Mandatory: true, Name: name, Value: s}

		case typeUnsigned32, typeEnumerated:
			var n uint32
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			*a = AVP{Code: entry.code, VendorId: entry.vendorId, Mandatory: true, Name: name, Value: n}

		case typeInteger32:
			var n int64
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			*a = AVP{Code: entry.code, VendorId: entry.vendorId, Mandatory: true, Name: name, Value: n}

		case typeAddress:
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			*a = AVP{Code: entry.code, VendorId: entry.vendorId, Mandatory: true, Name: name, Value: net.ParseIP(s)}

		default:
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			*a = AVP{Code: entry.code, VendorId: entry.vendorId, Mandatory: true, Name: name, Value: []byte(s)}
		}
		return nil
	}
	return nil
}

// marshalValue renders Value to its wire-format octets (unpadded).
func (a AVP) marshalValue() ([]byte, error) {
	switch v := a.Value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case uint32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b, nil
	case int64:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return b, nil
	case net.IP:
		ip4 := v.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("diamcodec: only IPv4 addresses are supported for AVP %s", a.Name)
		}
		// Address family 1 (IPv4) per RFC 6733 §4.3.1.
		return append([]byte{0x00, 0x01}, ip4...), nil
	case []AVP:
		var out []byte
		for _, inner := range v {
			encoded, err := encodeAVP(inner)
			if err != nil {
				return nil, err
			}
			out = append(out, encoded...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("diamcodec: unsupported AVP value type %T for %s", v, a.Name)
	}
}

func unmarshalValue(entry avpDictEntry, raw []byte) interface{} {
	switch entry.kind {
	case typeUTF8String, typeOctetString:
		return string(raw)
	case typeUnsigned32, typeEnumerated:
		if len(raw) != 4 {
			return uint32(0)
		}
		return binary.BigEndian.Uint32(raw)
	case typeInteger32:
		if len(raw) != 4 {
			return int64(0)
		}
		return int64(int32(binary.BigEndian.Uint32(raw)))
	case typeAddress:
		if len(raw) == 6 && raw[0] == 0 && raw[1] == 1 {
			return net.IP(raw[2:6])
		}
		return raw
	case typeGrouped:
		var avps []AVP
		rest := raw
		for len(rest) > 0 {
			avp, n, err := decodeAVP(rest)
			if err != nil {
				break
			}
			avps = append(avps, avp)
			rest = rest[n:]
		}
		return avps
	default:
		return raw
	}
}
