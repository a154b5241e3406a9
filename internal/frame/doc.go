// Package frame owns the wire format of the sensor telemetry stream.
//
// Responsibilities: the fixed-size binary frame layout, sync marker
// scanning, header decoding and payload channel extraction. The package is
// pure: no I/O, no state. Higher layers (reassembler, ringbuf, stream)
// depend on it; it depends on nothing in this module.
//
// FRAME LAYOUT (118 bytes, little-endian):
//
//	├── [0:2]    sync marker 0xAA 0xBB
//	├── [2:4]    sequence_id  u16, wraps modulo 65536
//	├── [4:8]    timestamp_us u32, producer clock, session-local
//	└── [8:118]  payload
//	    ├── 16 × f32 audio mel bands
//	    ├── f32 audio_rms, f32 audio_zcr
//	    ├── 3 × f32 imu (x, y, z)
//	    ├── 3 × f32 magnetometer (x, y, z)
//	    ├── f32 pressure, f32 temperature, f32 humidity
//	    └── u8 proximity, u8 padding
//
// The sync marker is not escaped. Payload bytes that happen to equal the
// marker can make a resynchronising reader lock onto the wrong offset and
// lose the frame in flight. This is part of the on-wire contract with the
// firmware and is accepted as one source of frame loss.
package frame
