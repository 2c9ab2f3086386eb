package domain

import "time"

// ScanReport summarizes one discovery cycle.
type ScanReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Interfaces int           `json:"interfaces"`
	Probed     int           `json:"probed"`
	Reachable  int           `json:"reachable"`
	Changed    int           `json:"changed"`
	Version    uint64        `json:"version"`
}

// StreamStats is a snapshot of one outgoing media stream.
type StreamStats struct {
	Kind           MediaKind `json:"kind"`
	FramesCaptured uint64    `json:"frames_captured"`
	FramesSent     uint64    `json:"frames_sent"`
	FramesDropped  uint64    `json:"frames_dropped"`
	BytesSent      uint64    `json:"bytes_sent"`
}
