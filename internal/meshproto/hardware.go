package meshproto

import "fmt"

// hardwareModels maps the HardwareModel enum to a friendly display name.
// The enum keeps growing with each firmware release; missing entries fall
// back to the raw numeric form so nothing is lost downstream.
var hardwareModels = map[int32]string{
	0:  "Unset",
	1:  "TLora V2",
	2:  "TLora V1",
	3:  "TLora V2.1-1.6",
	4:  "T-Beam",
	5:  "Heltec V2.0",
	6:  "T-Beam V0.7",
	7:  "T-Echo",
	8:  "TLora V1.1-1.3",
	9:  "RAK4631",
	10: "Heltec V2.1",
	11: "Heltec V1",
	12: "T-Beam S3 Core",
	13: "RAK11200",
	14: "Nano G1",
	15: "TLora V2.1-1.8",
	16: "TLora T3-S3",
	17: "Nano G1 Explorer",
	18: "Nano G2 Ultra",
	19: "LoRa Relay V1",
	25: "Station G1",
	26: "RAK11310",
	29: "Canary One",
	31: "RP2040 LoRa",
	32: "Station G2",
	39: "DIY V1",
	41: "DR-Dev",
	42: "M5Stack",
	43: "Heltec V3",
	44: "Heltec Wireless Stick Lite V3",
	45: "Heltec Wireless Paper V1.0",
	46: "Heltec Wireless Paper",
	47: "Heltec Wireless Tracker",
	48: "Heltec Wireless Bridge",
	49: "Seeed WIO Tracker 1110",
	50: "Seeed XIAO S3",
	51: "RAK2560",
	52: "Heltec HRU-3601",
	53: "Heltec Wireless Tracker V1.0",
	58: "Heltec Capsule Sensor V3",
	59: "Heltec Vision Master T190",
	60: "Heltec Vision Master E213",
	61: "Heltec Vision Master E290",
	62: "Heltec Mesh Node T114",
	63: "Sensecap Indicator",
	64: "Tracker T1000-E",
	65: "RAK3172",
	66: "WIO-E5",
	67: "Radiomaster 900 Bandit",
	71: "T-Deck",
	72: "T-Watch S3",
	73: "Picomputer S3",
	74: "Heltec HT62",
	75: "EBYTE ESP32-S3",
	76: "ESP32-S3 Pico",
	77: "Chatter 2",
	80: "Heltec Mesh Pocket",
	81: "Seeed SoLAR Node",
}

// HardwareModelName normalizes the enum to its display name, or a stable
// "UNKNOWN_<n>" form for models not in the table.
func HardwareModelName(model int32) string {
	if name, ok := hardwareModels[model]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", model)
}
