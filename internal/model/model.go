// Package model holds the shared data types carried through the ingest
// pipeline: decoded mesh packets, cached positions, telemetry readings and
// the enriched records handed to the sink.
package model

import (
	"fmt"
	"time"
)

// NodeID is the 32-bit Meshtastic node number. It is the join key between
// position and telemetry streams inside the ingester.
type NodeID uint32

// DeviceID renders the node as the globally unique downstream identifier,
// e.g. "meshtastic_a1b2c3d4".
func (n NodeID) DeviceID() string {
	return fmt.Sprintf("meshtastic_%08x", uint32(n))
}

func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// ReadingType is the closed set of environmental measurements the ingester
// forwards. Anything else a node reports is dropped at decode time.
type ReadingType string

const (
	ReadingTemperature   ReadingType = "temperature"
	ReadingHumidity      ReadingType = "humidity"
	ReadingPressure      ReadingType = "pressure"
	ReadingCO2           ReadingType = "co2"
	ReadingVOC           ReadingType = "voc"
	ReadingPM25          ReadingType = "pm2_5"
	ReadingPM10          ReadingType = "pm10"
	ReadingLux           ReadingType = "lux"
	ReadingWindSpeed     ReadingType = "wind_speed"
	ReadingWindDirection ReadingType = "wind_direction"
	ReadingRainfall      ReadingType = "rainfall"
	ReadingIAQ           ReadingType = "iaq"
)

// PacketKind discriminates the decoded packet variants the pipeline handles.
type PacketKind int

const (
	KindPosition PacketKind = iota
	KindTelemetry
	KindNodeInfo
)

// Packet is the decoded output of the decrypt/decode stage, tagged by Kind.
// Exactly one of Position, Readings or NodeInfo is populated.
type Packet struct {
	Kind     PacketKind
	Node     NodeID
	PacketID uint32
	Region   string

	// Republish mirrors the origin region's publish_to_wesense setting.
	Republish bool

	Position *Position
	Readings []TelemetryReading
	NodeInfo *NodeInfo
}

// Position is a node's last known fix plus the node metadata that rides along
// with it in the cache.
type Position struct {
	Node          NodeID    `json:"-"`
	Latitude      float64   `json:"lat"`
	Longitude     float64   `json:"lon"`
	Altitude      *float64  `json:"alt,omitempty"`
	HardwareModel string    `json:"hardware,omitempty"`
	NodeName      string    `json:"name,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`

	// LastEnvTime is the newest sensor timestamp of any reading emitted for
	// this node, kept for the hourly-active-node stats.
	LastEnvTime int64 `json:"last_env_time,omitempty"`
}

// TelemetryReading is a single environmental measurement declared by a node.
// SensorTime is unix seconds from the node's own clock and is the canonical
// timestamp downstream.
type TelemetryReading struct {
	Node        NodeID      `json:"-"`
	Type        ReadingType `json:"type"`
	Value       float64     `json:"value"`
	Unit        string      `json:"unit"`
	SensorTime  int64       `json:"sensor_time"`
	ReceivedAt  time.Time   `json:"-"`
}

// NodeInfo carries the NODEINFO_APP fields merged into cached positions.
type NodeInfo struct {
	LongName      string
	HardwareModel string
}

// EnrichedRecord is the correlated output row: one reading joined with the
// node's position and resolved geography.
type EnrichedRecord struct {
	Node            NodeID
	Reading         TelemetryReading
	Position        Position
	CountryCode     string
	SubdivisionCode string
	DataSource      string
	NetworkSource   string
	IngestionNodeID string
	Republish       bool
	ReceivedAt      time.Time
}

// DeploymentType derives the deployment label from the node name. Nodes named
// with a WS- prefix are known outdoor installs; everything else is unlabelled.
func DeploymentType(nodeName string) string {
	if len(nodeName) >= 3 {
		p := nodeName[:3]
		if p == "WS-" || p == "ws-" || p == "Ws-" || p == "wS-" {
			return "OUTDOOR"
		}
	}
	return ""
}
