package store

// commonEventColumns is appended to every per-event-kind table.
// sequence_id is a nullable FK: NULL marks a pre-sequence event, so no
// sentinel row is ever needed.
const commonEventColumns = `
	sequence_id TEXT REFERENCES sequence(id),
	version     TEXT NOT NULL,
	sender      TEXT NOT NULL,
	arrival_time TEXT NOT NULL,
	create_time  TEXT NOT NULL,
	event_time   TEXT NOT NULL,
	data_json    TEXT NOT NULL
`

// upgrades maps a from-version to the ordered statements that bring
// the schema to from-version+1. Applied sequentially by Store.upgrade.
var upgrades = map[int][]string{
	0: {
		`CREATE TABLE profile (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			source BLOB NOT NULL,
			format TEXT NOT NULL,
			title TEXT,
			author TEXT,
			notes TEXT,
			beverage TEXT,
			target_weight REAL,
			target_volume REAL,
			date_added TEXT NOT NULL
		)`,
		`CREATE INDEX idx_profile_fingerprint ON profile(fingerprint)`,

		`CREATE TABLE sequence (
			id TEXT PRIMARY KEY,
			active_state TEXT NOT NULL,
			start_sequence TEXT,
			start_flow TEXT,
			end_flow TEXT,
			end_sequence TEXT,
			profile_id TEXT REFERENCES profile(id),
			profile_assumed INTEGER NOT NULL DEFAULT 0,
			snapshot_json TEXT
		)`,

		`CREATE TABLE persist_hkv (
			header TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (header, key)
		)`,

		`CREATE TABLE state_update (` + commonEventColumns + `)`,
		`CREATE TABLE shot_sample_with_volume_update (` + commonEventColumns + `)`,
		`CREATE TABLE weight_and_flow_update (` + commonEventColumns + `)`,
		`CREATE TABLE water_level_update (` + commonEventColumns + `)`,
		`CREATE TABLE sequencer_gate_notification (` + commonEventColumns + `)`,
		`CREATE TABLE stop_at_notification (` + commonEventColumns + `)`,
		`CREATE TABLE scale_tare_seen (` + commonEventColumns + `)`,
		`CREATE TABLE auto_tare_notification (` + commonEventColumns + `)`,
		`CREATE TABLE scale_button_press (` + commonEventColumns + `)`,
		`CREATE TABLE connectivity_change (` + commonEventColumns + `)`,
	},
	1: {
		`CREATE INDEX idx_state_update_sequence ON state_update(sequence_id)`,
		`CREATE INDEX idx_shot_sample_sequence ON shot_sample_with_volume_update(sequence_id)`,
		`CREATE INDEX idx_weight_flow_sequence ON weight_and_flow_update(sequence_id)`,
		`CREATE INDEX idx_gate_sequence ON sequencer_gate_notification(sequence_id)`,
		`CREATE INDEX idx_stop_at_sequence ON stop_at_notification(sequence_id)`,
	},
	2: {
		`CREATE TABLE device_availability (` + commonEventColumns + `)`,
		`CREATE TABLE scale_change (` + commonEventColumns + `)`,
		`CREATE TABLE bluedot_update (` + commonEventColumns + `)`,
	},
}

// eventTable maps a bus.Kind name to its table.
var eventTable = map[string]string{
	"state_update":        "state_update",
	"shot_sample":         "shot_sample_with_volume_update",
	"weight_and_flow":     "weight_and_flow_update",
	"water_level":         "water_level_update",
	"sequencer_gate":      "sequencer_gate_notification",
	"stop_at":             "stop_at_notification",
	"scale_tare":          "scale_tare_seen",
	"auto_tare":           "auto_tare_notification",
	"scale_button":        "scale_button_press",
	"connectivity":        "connectivity_change",
	"device_availability": "device_availability",
	"device_changed":      "scale_change",
	"bluedot_update":      "bluedot_update",
}
