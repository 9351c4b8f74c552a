package viewer

import (
	"farview/internal/tile"
	"farview/internal/tracking"
)

const (
	TypeMove   = "move"
	TypeConfig = "config"
	TypeAck    = "ack"

	TypeHello  = "hello"
	TypeTiles  = "tiles"
	TypeUnload = "unload"
	TypeStats  = "stats"
	TypeError  = "error"
)

// ClientMessage is anything a viewer sends. Which fields matter depends on Type:
// move uses X/Y/Z, config uses Cutoff/MinLevel/MaxLevel and ack uses Count.
type ClientMessage struct {
	Type     string  `json:"type" validate:"required,oneof=move config ack"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Cutoff   int     `json:"cutoff" validate:"min=0,max=32"`
	MinLevel int     `json:"minLevel" validate:"min=0"`
	MaxLevel int     `json:"maxLevel" validate:"gtefield=MinLevel"`
	Count    int     `json:"count" validate:"min=0"`
}

type helloMessage struct {
	Type        string       `json:"type"`
	Session     string       `json:"session"`
	Generator   string       `json:"generator,omitempty"`
	ContentType string       `json:"contentType,omitempty"`
	Limits      []tileBounds `json:"limits,omitempty"`
}

type tileBounds struct {
	MinX int `json:"minX"`
	MinY int `json:"minY"`
	MinZ int `json:"minZ"`
	MaxX int `json:"maxX"`
	MaxY int `json:"maxY"`
	MaxZ int `json:"maxZ"`
}

type tilePayload struct {
	tile.Key
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data"`
}

type tilesMessage struct {
	Type  string        `json:"type"`
	Tiles []tilePayload `json:"tiles"`
}

type unloadMessage struct {
	Type  string     `json:"type"`
	Tiles []tile.Key `json:"tiles"`
}

type statsMessage struct {
	Type    string                `json:"type"`
	Tracker tracking.TrackerStats `json:"tracker"`
	Manager tracking.Stats        `json:"manager"`
	Pending int                   `json:"pending"`
	Flight  int                   `json:"inFlight"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func boundsOf(limits tile.Limits) []tileBounds {
	out := make([]tileBounds, 0, len(limits))
	for _, b := range limits {
		out = append(out, tileBounds{
			MinX: b.MinX, MinY: b.MinY, MinZ: b.MinZ,
			MaxX: b.MaxX, MaxY: b.MaxY, MaxZ: b.MaxZ,
		})
	}
	return out
}
