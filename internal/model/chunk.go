package model

import "encoding/json"

// ChunkType tags a streaming chunk variant.
type ChunkType string

const (
	ChunkMeta  ChunkType = "meta"
	ChunkDelta ChunkType = "delta"
	ChunkFinal ChunkType = "final"
	ChunkTrace ChunkType = "trace"
	ChunkDone  ChunkType = "done"
	ChunkError ChunkType = "error"

	// ChunkRaw marks an inbound frame that did not parse as a structured
	// payload. The raw text is still forwarded to the caller; the backend
	// intermittently emits non-conforming frames and silent loss is worse
	// than a garbled delta.
	ChunkRaw ChunkType = "raw"
)

// Chunk is the tagged union delivered to streaming consumers. Exactly one
// of the payload pointers is set for structured variants; Raw carries the
// original frame text for the raw variant.
type Chunk struct {
	Type  ChunkType   `json:"type"`
	Meta  *MetaChunk  `json:"meta,omitempty"`
	Delta *DeltaChunk `json:"delta,omitempty"`
	Final *FinalChunk `json:"final,omitempty"`
	Trace *TraceChunk `json:"trace,omitempty"`
	Error *ErrorChunk `json:"error,omitempty"`
	Raw   string      `json:"raw,omitempty"`
}

// MetaChunk announces stream identity before any delta arrives.
type MetaChunk struct {
	Model     string `json:"model"`
	CacheHit  bool   `json:"cache_hit"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

// DeltaChunk carries one committed text fragment.
type DeltaChunk struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
	Total int    `json:"total,omitempty"`
}

// FinalChunk carries the complete response once the stream terminates.
type FinalChunk struct {
	Text     string       `json:"text"`
	Metrics  *PerfMetrics `json:"metrics,omitempty"`
	Evidence []Evidence   `json:"evidence,omitempty"`
}

// TraceChunk exposes the backend's reasoning breakdown.
type TraceChunk struct {
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model,omitempty"`
}

// ErrorChunk reports a backend-side stream failure.
type ErrorChunk struct {
	Message string `json:"message"`
}

// PerfMetrics is the latency breakdown attached to final chunks.
type PerfMetrics struct {
	TotalMs      int64 `json:"total_ms"`
	ModelMs      int64 `json:"model_ms,omitempty"`
	FirstTokenMs int64 `json:"first_token_ms,omitempty"`
	TokenCount   int   `json:"token_count,omitempty"`
}

// Evidence is a supporting datum cited by the orchestrator.
type Evidence struct {
	Kind   string `json:"kind"`
	Ref    string `json:"ref"`
	Detail string `json:"detail,omitempty"`
}

// streamPayload is the wire shape of a structured frame body.
type streamPayload struct {
	Type  string          `json:"type"`
	Meta  json.RawMessage `json:"meta,omitempty"`
	Delta json.RawMessage `json:"delta,omitempty"`
	Final json.RawMessage `json:"final,omitempty"`
	Trace json.RawMessage `json:"trace,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`

	// Flattened delta fields: older backend builds emit the fragment at
	// the top level instead of nesting it.
	Text  *string `json:"text,omitempty"`
	Index *int    `json:"index,omitempty"`
	Total *int    `json:"total,omitempty"`
}

// ParseChunk classifies one frame body into a tagged Chunk. Bodies that
// are not valid JSON, or whose type tag is unknown, come back as a raw
// chunk and a nil error; the caller decides whether to forward them.
func ParseChunk(data []byte) (*Chunk, error) {
	var p streamPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return &Chunk{Type: ChunkRaw, Raw: string(data)}, nil
	}

	switch ChunkType(p.Type) {
	case ChunkMeta:
		var m MetaChunk
		if p.Meta != nil {
			if err := json.Unmarshal(p.Meta, &m); err != nil {
				return nil, err
			}
		}
		return &Chunk{Type: ChunkMeta, Meta: &m}, nil

	case ChunkDelta:
		var d DeltaChunk
		if p.Delta != nil {
			if err := json.Unmarshal(p.Delta, &d); err != nil {
				return nil, err
			}
		} else {
			if p.Text != nil {
				d.Text = *p.Text
			}
			if p.Index != nil {
				d.Index = *p.Index
			}
			if p.Total != nil {
				d.Total = *p.Total
			}
		}
		return &Chunk{Type: ChunkDelta, Delta: &d}, nil

	case ChunkFinal:
		var f FinalChunk
		if p.Final != nil {
			if err := json.Unmarshal(p.Final, &f); err != nil {
				return nil, err
			}
		} else if p.Text != nil {
			f.Text = *p.Text
		}
		return &Chunk{Type: ChunkFinal, Final: &f}, nil

	case ChunkTrace:
		var t TraceChunk
		if p.Trace != nil {
			if err := json.Unmarshal(p.Trace, &t); err != nil {
				return nil, err
			}
		}
		return &Chunk{Type: ChunkTrace, Trace: &t}, nil

	case ChunkDone:
		return &Chunk{Type: ChunkDone}, nil

	case ChunkError:
		var e ErrorChunk
		if p.Error != nil {
			if err := json.Unmarshal(p.Error, &e); err != nil {
				return nil, err
			}
		} else if p.Text != nil {
			e.Message = *p.Text
		}
		return &Chunk{Type: ChunkError, Error: &e}, nil

	default:
		return &Chunk{Type: ChunkRaw, Raw: string(data)}, nil
	}
}
