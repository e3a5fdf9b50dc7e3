// Package decode turns raw MQTT payloads from the mesh bridge into typed
// pipeline packets: it parses the outer envelope, decrypts the inner frame
// with the channel key, and maps the application payload onto the closed set
// of packet kinds the correlator handles.
package decode

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wesense/meshtastic-ingest/internal/meshproto"
	"github.com/wesense/meshtastic-ingest/internal/metrics"
	"github.com/wesense/meshtastic-ingest/internal/model"
)

var (
	ErrDecryptFailed     = errors.New("decrypt failed")
	ErrDecodeFailed      = errors.New("decode failed")
	ErrUnsupportedPacket = errors.New("unsupported packet")
)

type Decoder struct {
	key   []byte
	log   *slog.Logger
	clock clockwork.Clock
}

func NewDecoder(key []byte, log *slog.Logger, clock clockwork.Clock) (*Decoder, error) {
	if err := ValidateChannelKey(key); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Decoder{key: key, log: log, clock: clock}, nil
}

// Decrypt reverses the firmware's AES-CTR packet encryption. The 128-bit
// initial counter is packet id (8 bytes LE) followed by the source node
// (4 bytes LE) and 4 zero bytes.
func Decrypt(encrypted []byte, packetID, fromNode uint32, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	var nonce [16]byte
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(nonce[8:12], fromNode)

	out := make([]byte, len(encrypted))
	cipher.NewCTR(block, nonce[:]).XORKeyStream(out, encrypted)
	return out, nil
}

// Decode processes one raw MQTT payload. The returned packet is nil when the
// message was valid but carries nothing the pipeline ingests (chat, routing,
// device metrics); an error classifies the drop for counters.
func (d *Decoder) Decode(payload []byte, region string) (*model.Packet, error) {
	env, err := meshproto.DecodeServiceEnvelope(payload)
	if err != nil {
		metrics.DecodeErrs.Inc()
		d.log.Debug("envelope decode failed", "region", region, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if env.Packet == nil {
		metrics.DecodeErrs.Inc()
		return nil, fmt.Errorf("%w: envelope without packet", ErrDecodeFailed)
	}
	pkt := env.Packet

	data := pkt.Decoded
	if data == nil {
		if len(pkt.Encrypted) == 0 {
			metrics.DecodeErrs.Inc()
			return nil, fmt.Errorf("%w: packet with no payload", ErrDecodeFailed)
		}
		plain, err := Decrypt(pkt.Encrypted, pkt.ID, pkt.From, d.key)
		if err != nil {
			metrics.DecryptErrs.Inc()
			d.log.Debug("packet decrypt failed", "region", region, "node", model.NodeID(pkt.From), "error", err)
			return nil, err
		}
		data, err = meshproto.DecodeData(plain)
		if err != nil {
			// Wrong key produces garbage that fails protobuf parsing; counted
			// as a decrypt failure since that is the operational cause.
			metrics.DecryptErrs.Inc()
			d.log.Debug("decrypted payload unparseable", "region", region, "node", model.NodeID(pkt.From), "error", err)
			return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
		}
	}

	node := model.NodeID(pkt.From)
	out := &model.Packet{Node: node, PacketID: pkt.ID, Region: region}

	switch data.PortNum {
	case meshproto.PortPosition:
		pos, err := meshproto.DecodePosition(data.Payload)
		if err != nil {
			metrics.DecodeErrs.Inc()
			return nil, fmt.Errorf("%w: position: %v", ErrDecodeFailed, err)
		}
		lat, lon := pos.Degrees()
		p := &model.Position{
			Node:       node,
			Latitude:   lat,
			Longitude:  lon,
			ReceivedAt: d.clock.Now().UTC(),
		}
		if pos.Altitude != 0 {
			alt := float64(pos.Altitude)
			p.Altitude = &alt
		}
		out.Kind = model.KindPosition
		out.Position = p
		metrics.PacketsDecoded.WithLabelValues("position").Inc()
		return out, nil

	case meshproto.PortNodeInfo:
		user, err := meshproto.DecodeUser(data.Payload)
		if err != nil {
			metrics.DecodeErrs.Inc()
			return nil, fmt.Errorf("%w: nodeinfo: %v", ErrDecodeFailed, err)
		}
		out.Kind = model.KindNodeInfo
		out.NodeInfo = &model.NodeInfo{
			LongName:      user.LongName,
			HardwareModel: meshproto.HardwareModelName(user.HWModel),
		}
		metrics.PacketsDecoded.WithLabelValues("nodeinfo").Inc()
		return out, nil

	case meshproto.PortTelemetry:
		tel, err := meshproto.DecodeTelemetry(data.Payload)
		if err != nil {
			metrics.DecodeErrs.Inc()
			return nil, fmt.Errorf("%w: telemetry: %v", ErrDecodeFailed, err)
		}
		if tel.Environment == nil && tel.AirQuality == nil {
			// Device and power metrics are not environmental data.
			return nil, nil
		}
		if tel.Time == 0 {
			return nil, nil
		}
		readings := extractReadings(node, tel, d.clock.Now().UTC())
		if len(readings) == 0 {
			return nil, nil
		}
		out.Kind = model.KindTelemetry
		out.Readings = readings
		metrics.PacketsDecoded.WithLabelValues("telemetry").Inc()
		return out, nil

	default:
		metrics.UnsupportedPackets.Inc()
		d.log.Debug("unsupported port", "region", region, "node", node, "port", int32(data.PortNum))
		return nil, fmt.Errorf("%w: port %d", ErrUnsupportedPacket, data.PortNum)
	}
}

// extractReadings flattens a telemetry payload into individual readings.
// Zero values mean the sensor did not report that channel and are skipped.
func extractReadings(node model.NodeID, tel *meshproto.Telemetry, now time.Time) []model.TelemetryReading {
	ts := int64(tel.Time)
	var out []model.TelemetryReading
	add := func(rt model.ReadingType, value float64, unit string) {
		if value == 0 {
			return
		}
		out = append(out, model.TelemetryReading{
			Node:       node,
			Type:       rt,
			Value:      value,
			Unit:       unit,
			SensorTime: ts,
			ReceivedAt: now,
		})
	}

	if em := tel.Environment; em != nil {
		add(model.ReadingTemperature, float64(em.Temperature), "°C")
		add(model.ReadingHumidity, float64(em.RelativeHumidity), "%")
		add(model.ReadingPressure, float64(em.BarometricPressure), "hPa")
		add(model.ReadingVOC, float64(em.GasResistance), "MΩ")
		add(model.ReadingIAQ, float64(em.IAQ), "")
		add(model.ReadingLux, float64(em.Lux), "lx")
		add(model.ReadingWindDirection, float64(em.WindDirection), "°")
		add(model.ReadingWindSpeed, float64(em.WindSpeed), "m/s")
		add(model.ReadingRainfall, float64(em.Rainfall1H), "mm")
	}
	if aq := tel.AirQuality; aq != nil {
		add(model.ReadingPM25, float64(aq.PM25Standard), "µg/m³")
		add(model.ReadingPM10, float64(aq.PM100Standard), "µg/m³")
		add(model.ReadingCO2, float64(aq.CO2), "ppm")
	}
	return out
}
