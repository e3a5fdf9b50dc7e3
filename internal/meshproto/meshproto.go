// Package meshproto implements a hand-rolled codec for the subset of the
// Meshtastic protobuf schema the ingester consumes: the MQTT ServiceEnvelope,
// MeshPacket, Data, Position, Telemetry (environment and air-quality
// variants) and User messages. Messages are walked directly with protowire so
// the ingester does not depend on generated schema code; unknown fields are
// skipped, which keeps the decoder tolerant of firmware schema drift.
package meshproto

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("meshproto: malformed message")

// PortNum values the ingester dispatches on. The full enum is much larger;
// everything else falls through to a silent drop.
type PortNum int32

const (
	PortUnknown   PortNum = 0
	PortPosition  PortNum = 3
	PortNodeInfo  PortNum = 4
	PortTelemetry PortNum = 67
)

// ServiceEnvelope is the outer message bridged from LoRa onto MQTT.
type ServiceEnvelope struct {
	Packet    *MeshPacket
	ChannelID string
	GatewayID string
}

// MeshPacket is a single mesh frame. Exactly one of Decoded or Encrypted is
// set on packets seen in the wild.
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   *Data
	Encrypted []byte
	ID        uint32
	RxTime    uint32
	HopLimit  uint32
}

// Data is the decrypted inner payload: an application port number plus the
// port-specific bytes.
type Data struct {
	PortNum PortNum
	Payload []byte
}

// Position is the POSITION_APP payload. Coordinates are integer degrees
// scaled by 1e7.
type Position struct {
	LatitudeI  int32
	LongitudeI int32
	Altitude   int32
	Time       uint32
}

// Degrees converts the scaled integer coordinates to signed degrees.
func (p *Position) Degrees() (lat, lon float64) {
	return float64(p.LatitudeI) / 1e7, float64(p.LongitudeI) / 1e7
}

// Telemetry is the TELEMETRY_APP payload. Only the environment and
// air-quality variants are retained; device and power metrics decode to a
// Telemetry with both variant pointers nil.
type Telemetry struct {
	Time        uint32
	Environment *EnvironmentMetrics
	AirQuality  *AirQualityMetrics

	// HasDeviceMetrics / HasPowerMetrics record that a dropped variant was
	// present, so callers can count them.
	HasDeviceMetrics bool
	HasPowerMetrics  bool
}

// EnvironmentMetrics mirrors the fields of the Meshtastic environment
// telemetry variant that map onto the ingester's reading types.
type EnvironmentMetrics struct {
	Temperature        float32
	RelativeHumidity   float32
	BarometricPressure float32
	GasResistance      float32
	IAQ                uint32
	Lux                float32
	WindDirection      uint32
	WindSpeed          float32
	Rainfall1H         float32
}

// AirQualityMetrics carries the particulate and CO2 fields.
type AirQualityMetrics struct {
	PM25Standard  uint32
	PM100Standard uint32
	CO2           uint32
}

// User is the NODEINFO_APP payload.
type User struct {
	ID        string
	LongName  string
	ShortName string
	HWModel   int32
}

// fieldIter walks the top-level fields of a wire-format message.
type fieldIter struct {
	buf []byte
}

func (it *fieldIter) next() (num protowire.Number, typ protowire.Type, ok bool, err error) {
	if len(it.buf) == 0 {
		return 0, 0, false, nil
	}
	num, typ, n := protowire.ConsumeTag(it.buf)
	if n < 0 {
		return 0, 0, false, protowire.ParseError(n)
	}
	it.buf = it.buf[n:]
	return num, typ, true, nil
}

func (it *fieldIter) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(it.buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	it.buf = it.buf[n:]
	return v, nil
}

func (it *fieldIter) fixed32() (uint32, error) {
	v, n := protowire.ConsumeFixed32(it.buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	it.buf = it.buf[n:]
	return v, nil
}

func (it *fieldIter) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(it.buf)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	it.buf = it.buf[n:]
	return v, nil
}

// skip discards a field of the given type.
func (it *fieldIter) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, it.buf)
	if n < 0 {
		return protowire.ParseError(n)
	}
	it.buf = it.buf[n:]
	return nil
}

// uint32Field reads a numeric field regardless of whether the writer used
// varint or fixed32 encoding. Firmware versions disagree on time fields.
func (it *fieldIter) uint32Field(typ protowire.Type) (uint32, error) {
	switch typ {
	case protowire.VarintType:
		v, err := it.varint()
		return uint32(v), err
	case protowire.Fixed32Type:
		return it.fixed32()
	default:
		return 0, fmt.Errorf("%w: unexpected wire type %d for numeric field", ErrMalformed, typ)
	}
}

func (it *fieldIter) float32Field() (float32, error) {
	v, err := it.fixed32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// DecodeServiceEnvelope parses the outer MQTT envelope.
func DecodeServiceEnvelope(buf []byte) (*ServiceEnvelope, error) {
	env := &ServiceEnvelope{}
	it := fieldIter{buf: buf}
	for {
		num, typ, ok, err := it.next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ok {
			return env, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			b, err := it.bytes()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			pkt, err := DecodeMeshPacket(b)
			if err != nil {
				return nil, err
			}
			env.Packet = pkt
		case num == 2 && typ == protowire.BytesType:
			b, err := it.bytes()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			env.ChannelID = string(b)
		case num == 3 && typ == protowire.BytesType:
			b, err := it.bytes()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			env.GatewayID = string(b)
		default:
			if err := it.skip(num, typ); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
	}
}

// DecodeMeshPacket parses a mesh frame.
func DecodeMeshPacket(buf []byte) (*MeshPacket, error) {
	pkt := &MeshPacket{}
	it := fieldIter{buf: buf}
	for {
		num, typ, ok, err := it.next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ok {
			return pkt, nil
		}
		switch num {
		case 1:
			pkt.From, err = it.uint32Field(typ)
		case 2:
			pkt.To, err = it.uint32Field(typ)
		case 3:
			var v uint64
			v, err = it.varint()
			pkt.Channel = uint32(v)
		case 4:
			var b []byte
			b, err = it.bytes()
			if err == nil {
				pkt.Decoded, err = DecodeData(b)
			}
		case 5:
			var b []byte
			b, err = it.bytes()
			if err == nil {
				pkt.Encrypted = append([]byte(nil), b...)
			}
		case 6:
			pkt.ID, err = it.uint32Field(typ)
		case 7:
			pkt.RxTime, err = it.uint32Field(typ)
		case 9:
			var v uint64
			v, err = it.varint()
			pkt.HopLimit = uint32(v)
		default:
			err = it.skip(num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
}

// DecodeData parses the decrypted inner payload.
func DecodeData(buf []byte) (*Data, error) {
	d := &Data{}
	it := fieldIter{buf: buf}
	for {
		num, typ, ok, err := it.next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ok {
			return d, nil
		}
		switch num {
		case 1:
			var v uint64
			v, err = it.varint()
			d.PortNum = PortNum(v)
		case 2:
			var b []byte
			b, err = it.bytes()
			if err == nil {
				d.Payload = append([]byte(nil), b...)
			}
		default:
			err = it.skip(num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
}

// DecodePosition parses a POSITION_APP payload.
func DecodePosition(buf []byte) (*Position, error) {
	p := &Position{}
	it := fieldIter{buf: buf}
	for {
		num, typ, ok, err := it.next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ok {
			return p, nil
		}
		switch num {
		case 1:
			var v uint32
			v, err = it.uint32Field(typ)
			p.LatitudeI = int32(v)
		case 2:
			var v uint32
			v, err = it.uint32Field(typ)
			p.LongitudeI = int32(v)
		case 3:
			var v uint64
			v, err = it.varint()
			p.Altitude = int32(v)
		case 4:
			p.Time, err = it.uint32Field(typ)
		default:
			err = it.skip(num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
}

// DecodeTelemetry parses a TELEMETRY_APP payload.
func DecodeTelemetry(buf []byte) (*Telemetry, error) {
	t := &Telemetry{}
	it := fieldIter{buf: buf}
	for {
		num, typ, ok, err := it.next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ok {
			return t, nil
		}
		switch num {
		case 1:
			t.Time, err = it.uint32Field(typ)
		case 2:
			t.HasDeviceMetrics = true
			err = it.skip(num, typ)
		case 3:
			var b []byte
			b, err = it.bytes()
			if err == nil {
				t.Environment, err = decodeEnvironmentMetrics(b)
			}
		case 4:
			var b []byte
			b, err = it.bytes()
			if err == nil {
				t.AirQuality, err = decodeAirQualityMetrics(b)
			}
		case 5:
			t.HasPowerMetrics = true
			err = it.skip(num, typ)
		default:
			err = it.skip(num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
}

func decodeEnvironmentMetrics(buf []byte) (*EnvironmentMetrics, error) {
	em := &EnvironmentMetrics{}
	it := fieldIter{buf: buf}
	for {
		num, typ, ok, err := it.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return em, nil
		}
		switch num {
		case 1:
			em.Temperature, err = it.float32Field()
		case 2:
			em.RelativeHumidity, err = it.float32Field()
		case 3:
			em.BarometricPressure, err = it.float32Field()
		case 4:
			em.GasResistance, err = it.float32Field()
		case 7:
			var v uint64
			v, err = it.varint()
			em.IAQ = uint32(v)
		case 9:
			em.Lux, err = it.float32Field()
		case 13:
			var v uint64
			v, err = it.varint()
			em.WindDirection = uint32(v)
		case 14:
			em.WindSpeed, err = it.float32Field()
		case 19:
			em.Rainfall1H, err = it.float32Field()
		default:
			err = it.skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
}

func decodeAirQualityMetrics(buf []byte) (*AirQualityMetrics, error) {
	aq := &AirQualityMetrics{}
	it := fieldIter{buf: buf}
	for {
		num, typ, ok, err := it.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return aq, nil
		}
		switch num {
		case 2:
			var v uint64
			v, err = it.varint()
			aq.PM25Standard = uint32(v)
		case 3:
			var v uint64
			v, err = it.varint()
			aq.PM100Standard = uint32(v)
		case 13:
			var v uint64
			v, err = it.varint()
			aq.CO2 = uint32(v)
		default:
			err = it.skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
}

// DecodeUser parses a NODEINFO_APP payload.
func DecodeUser(buf []byte) (*User, error) {
	u := &User{}
	it := fieldIter{buf: buf}
	for {
		num, typ, ok, err := it.next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ok {
			return u, nil
		}
		switch num {
		case 1:
			var b []byte
			b, err = it.bytes()
			u.ID = string(b)
		case 2:
			var b []byte
			b, err = it.bytes()
			u.LongName = string(b)
		case 3:
			var b []byte
			b, err = it.bytes()
			u.ShortName = string(b)
		case 5:
			var v uint64
			v, err = it.varint()
			u.HWModel = int32(v)
		default:
			err = it.skip(num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
}
