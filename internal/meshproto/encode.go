package meshproto

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoders for the same message subset. The ingester itself never emits mesh
// frames; these exist for round-trip coverage and for building fixtures.

func (env *ServiceEnvelope) Marshal() []byte {
	var b []byte
	if env.Packet != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Packet.Marshal())
	}
	if env.ChannelID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, env.ChannelID)
	}
	if env.GatewayID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, env.GatewayID)
	}
	return b
}

func (pkt *MeshPacket) Marshal() []byte {
	var b []byte
	if pkt.From != 0 {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, pkt.From)
	}
	if pkt.To != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, pkt.To)
	}
	if pkt.Channel != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(pkt.Channel))
	}
	if pkt.Decoded != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, pkt.Decoded.Marshal())
	}
	if len(pkt.Encrypted) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, pkt.Encrypted)
	}
	if pkt.ID != 0 {
		b = protowire.AppendTag(b, 6, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, pkt.ID)
	}
	if pkt.RxTime != 0 {
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, pkt.RxTime)
	}
	if pkt.HopLimit != 0 {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(pkt.HopLimit))
	}
	return b
}

func (d *Data) Marshal() []byte {
	var b []byte
	if d.PortNum != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.PortNum))
	}
	if len(d.Payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Payload)
	}
	return b
}

func (p *Position) Marshal() []byte {
	var b []byte
	if p.LatitudeI != 0 {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(p.LatitudeI))
	}
	if p.LongitudeI != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(p.LongitudeI))
	}
	if p.Altitude != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(p.Altitude)))
	}
	if p.Time != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.Time)
	}
	return b
}

func (t *Telemetry) Marshal() []byte {
	var b []byte
	if t.Time != 0 {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, t.Time)
	}
	if t.Environment != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Environment.marshal())
	}
	if t.AirQuality != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, t.AirQuality.marshal())
	}
	return b
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendUint(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func (em *EnvironmentMetrics) marshal() []byte {
	var b []byte
	b = appendFloat(b, 1, em.Temperature)
	b = appendFloat(b, 2, em.RelativeHumidity)
	b = appendFloat(b, 3, em.BarometricPressure)
	b = appendFloat(b, 4, em.GasResistance)
	b = appendUint(b, 7, em.IAQ)
	b = appendFloat(b, 9, em.Lux)
	b = appendUint(b, 13, em.WindDirection)
	b = appendFloat(b, 14, em.WindSpeed)
	b = appendFloat(b, 19, em.Rainfall1H)
	return b
}

func (aq *AirQualityMetrics) marshal() []byte {
	var b []byte
	b = appendUint(b, 2, aq.PM25Standard)
	b = appendUint(b, 3, aq.PM100Standard)
	b = appendUint(b, 13, aq.CO2)
	return b
}

func (u *User) Marshal() []byte {
	var b []byte
	if u.ID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, u.ID)
	}
	if u.LongName != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, u.LongName)
	}
	if u.ShortName != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, u.ShortName)
	}
	if u.HWModel != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.HWModel))
	}
	return b
}
