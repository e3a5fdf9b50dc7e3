package mqtt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wesense/meshtastic-ingest/internal/config"
)

type stubMessage struct {
	topic   string
	payload []byte
}

func (m stubMessage) Duplicate() bool   { return false }
func (m stubMessage) Qos() byte         { return 0 }
func (m stubMessage) Retained() bool    { return false }
func (m stubMessage) Topic() string     { return m.topic }
func (m stubMessage) MessageID() uint16 { return 0 }
func (m stubMessage) Payload() []byte   { return m.payload }
func (m stubMessage) Ack()              {}

func testRegion() config.Region {
	return config.Region{
		Name:             "ANZ",
		Broker:           "localhost",
		Port:             1883,
		Topic:            "msh/ANZ/2/e/#",
		Enabled:          true,
		PublishToWesense: true,
	}
}

func testFleetLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewFleetValidation(t *testing.T) {
	t.Parallel()
	out := make(chan RawMessage)
	regions := []config.Region{testRegion()}

	_, err := NewFleet(nil, out, testFleetLogger())
	require.Error(t, err)

	_, err = NewFleet(regions, nil, testFleetLogger())
	require.Error(t, err)

	f, err := NewFleet(regions, out, testFleetLogger())
	require.NoError(t, err)
	require.NotNil(t, f)
}

func TestDeliverCarriesRegionAndRepublishFlag(t *testing.T) {
	t.Parallel()
	out := make(chan RawMessage, 1)
	f, err := NewFleet([]config.Region{testRegion()}, out, testFleetLogger())
	require.NoError(t, err)

	f.deliver(context.Background(), testRegion(), stubMessage{topic: "msh/ANZ/2/e/ch", payload: []byte{1, 2}})

	raw := <-out
	require.Equal(t, "ANZ", raw.Region)
	require.Equal(t, "msh/ANZ/2/e/ch", raw.Topic)
	require.Equal(t, []byte{1, 2}, raw.Payload)
	require.True(t, raw.Republish)

	quiet := testRegion()
	quiet.PublishToWesense = false
	f.deliver(context.Background(), quiet, stubMessage{topic: "msh/ANZ/2/e/ch", payload: []byte{3}})
	require.False(t, (<-out).Republish)
}

func TestDeliverAfterStopDropsMessage(t *testing.T) {
	t.Parallel()
	out := make(chan RawMessage, 1)
	f, err := NewFleet([]config.Region{testRegion()}, out, testFleetLogger())
	require.NoError(t, err)

	f.Stop()
	close(out)

	// A handler still in flight when Stop returned must not touch the closed
	// channel.
	f.deliver(context.Background(), testRegion(), stubMessage{topic: "msh/ANZ/2/e/ch", payload: []byte{1}})
	_, open := <-out
	require.False(t, open)
}
