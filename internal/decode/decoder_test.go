package decode

import (
	"io"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/wesense/meshtastic-ingest/internal/meshproto"
	"github.com/wesense/meshtastic-ingest/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(defaultChannelKey, testLogger(), clockwork.NewFakeClock())
	require.NoError(t, err)
	return d
}

// envelope builds an encrypted ServiceEnvelope around the given inner data.
func envelope(t *testing.T, from, packetID uint32, data *meshproto.Data, key []byte) []byte {
	t.Helper()
	encrypted, err := Decrypt(data.Marshal(), packetID, from, key) // CTR is symmetric
	require.NoError(t, err)
	env := &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From:      from,
			To:        0xffffffff,
			ID:        packetID,
			Encrypted: encrypted,
		},
		ChannelID: "LongFast",
		GatewayID: "!feedc0de",
	}
	return env.Marshal()
}

func TestDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	plain := []byte("attack at dawn")
	enc, err := Decrypt(plain, 42, 0xa1b2c3d4, defaultChannelKey)
	require.NoError(t, err)
	require.NotEqual(t, plain, enc)

	dec, err := Decrypt(enc, 42, 0xa1b2c3d4, defaultChannelKey)
	require.NoError(t, err)
	require.Equal(t, plain, dec)
}

func TestDecryptNonceDependsOnPacketIdentity(t *testing.T) {
	t.Parallel()

	plain := []byte("same plaintext")
	a, err := Decrypt(plain, 1, 100, defaultChannelKey)
	require.NoError(t, err)
	b, err := Decrypt(plain, 2, 100, defaultChannelKey)
	require.NoError(t, err)
	c, err := Decrypt(plain, 1, 101, defaultChannelKey)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}

func TestDecodePositionPacket(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	pos := &meshproto.Position{LatitudeI: -368485000, LongitudeI: 1747633000, Altitude: 30}
	data := &meshproto.Data{PortNum: meshproto.PortPosition, Payload: pos.Marshal()}

	pkt, err := d.Decode(envelope(t, 0xa1b2c3d4, 7, data, defaultChannelKey), "ANZ")
	require.NoError(t, err)
	require.Equal(t, model.KindPosition, pkt.Kind)
	require.Equal(t, model.NodeID(0xa1b2c3d4), pkt.Node)
	require.Equal(t, "ANZ", pkt.Region)
	require.InDelta(t, -36.8485, pkt.Position.Latitude, 1e-6)
	require.InDelta(t, 174.7633, pkt.Position.Longitude, 1e-6)
	require.NotNil(t, pkt.Position.Altitude)
	require.InDelta(t, 30.0, *pkt.Position.Altitude, 1e-9)
}

func TestDecodeTelemetryPacket(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	tel := &meshproto.Telemetry{
		Time: 1724400000,
		Environment: &meshproto.EnvironmentMetrics{
			Temperature:      18.5,
			RelativeHumidity: 71.0,
		},
	}
	data := &meshproto.Data{PortNum: meshproto.PortTelemetry, Payload: tel.Marshal()}

	pkt, err := d.Decode(envelope(t, 0x01020304, 8, data, defaultChannelKey), "ANZ")
	require.NoError(t, err)
	require.Equal(t, model.KindTelemetry, pkt.Kind)
	require.Len(t, pkt.Readings, 2)

	byType := map[model.ReadingType]model.TelemetryReading{}
	for _, r := range pkt.Readings {
		byType[r.Type] = r
	}
	require.InDelta(t, 18.5, byType[model.ReadingTemperature].Value, 1e-5)
	require.Equal(t, "°C", byType[model.ReadingTemperature].Unit)
	require.InDelta(t, 71.0, byType[model.ReadingHumidity].Value, 1e-5)
	require.Equal(t, int64(1724400000), byType[model.ReadingHumidity].SensorTime)
}

func TestDecodeZeroValuesDropped(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	// Only temperature is reported; the remaining fields are zero and must
	// not produce readings.
	tel := &meshproto.Telemetry{
		Time:        1724400000,
		Environment: &meshproto.EnvironmentMetrics{Temperature: 3.25},
	}
	data := &meshproto.Data{PortNum: meshproto.PortTelemetry, Payload: tel.Marshal()}

	pkt, err := d.Decode(envelope(t, 5, 9, data, defaultChannelKey), "ANZ")
	require.NoError(t, err)
	require.Len(t, pkt.Readings, 1)
	require.Equal(t, model.ReadingTemperature, pkt.Readings[0].Type)
}

func TestDecodeAirQualityPacket(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	tel := &meshproto.Telemetry{
		Time:       1724400000,
		AirQuality: &meshproto.AirQualityMetrics{PM25Standard: 9, CO2: 420},
	}
	data := &meshproto.Data{PortNum: meshproto.PortTelemetry, Payload: tel.Marshal()}

	pkt, err := d.Decode(envelope(t, 6, 10, data, defaultChannelKey), "US")
	require.NoError(t, err)
	require.Len(t, pkt.Readings, 2)
}

func TestDecodeDeviceMetricsDroppedSilently(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	// Telemetry with neither environment nor air quality decodes to nothing,
	// without an error.
	tel := &meshproto.Telemetry{Time: 1724400000}
	data := &meshproto.Data{PortNum: meshproto.PortTelemetry, Payload: tel.Marshal()}

	pkt, err := d.Decode(envelope(t, 6, 11, data, defaultChannelKey), "ANZ")
	require.NoError(t, err)
	require.Nil(t, pkt)
}

func TestDecodeNodeInfoPacket(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	user := &meshproto.User{LongName: "WS-Ponsonby-01", HWModel: 43}
	data := &meshproto.Data{PortNum: meshproto.PortNodeInfo, Payload: user.Marshal()}

	pkt, err := d.Decode(envelope(t, 7, 12, data, defaultChannelKey), "ANZ")
	require.NoError(t, err)
	require.Equal(t, model.KindNodeInfo, pkt.Kind)
	require.Equal(t, "WS-Ponsonby-01", pkt.NodeInfo.LongName)
	require.Equal(t, "Heltec V3", pkt.NodeInfo.HardwareModel)
}

func TestDecodeUnsupportedPort(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	data := &meshproto.Data{PortNum: 1, Payload: []byte("hello mesh")} // TEXT_MESSAGE_APP
	_, err := d.Decode(envelope(t, 8, 13, data, defaultChannelKey), "ANZ")
	require.ErrorIs(t, err, ErrUnsupportedPacket)
}

func TestDecodeWrongKeyFails(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	otherKey := make([]byte, 16)
	for i := range otherKey {
		otherKey[i] = 0xAA
	}
	pos := &meshproto.Position{LatitudeI: 1, LongitudeI: 2}
	data := &meshproto.Data{PortNum: meshproto.PortPosition, Payload: pos.Marshal()}

	_, err := d.Decode(envelope(t, 9, 14, data, otherKey), "ANZ")
	require.Error(t, err)
}

func TestDecodeGarbageEnvelope(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	_, err := d.Decode([]byte{0x0a, 0xff, 0x01}, "ANZ")
	require.ErrorIs(t, err, ErrDecodeFailed)
}

func TestDecodeUnencryptedPacket(t *testing.T) {
	t.Parallel()
	d := newTestDecoder(t)

	// Some gateways publish already-decoded packets.
	pos := &meshproto.Position{LatitudeI: 515074000, LongitudeI: -1278000}
	env := &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From: 0x0badcafe,
			ID:   21,
			Decoded: &meshproto.Data{
				PortNum: meshproto.PortPosition,
				Payload: pos.Marshal(),
			},
		},
	}
	pkt, err := d.Decode(env.Marshal(), "EU_868")
	require.NoError(t, err)
	require.Equal(t, model.KindPosition, pkt.Kind)
	require.InDelta(t, 51.5074, pkt.Position.Latitude, 1e-6)
}
