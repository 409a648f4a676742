package peer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Text JSON frames exchanged over the ordered data channel (spec §4.5,
// "Data channel protocol"). Binary segment responses prepend a 4-byte
// little-endian request identifier to the raw payload bytes instead of
// using a JSON envelope, to avoid a base64 round-trip on the hot path.

type segmentRequestFrame struct {
	RequestID string `json:"requestId"`
	SegmentID string `json:"segmentId"`
	QualityID string `json:"qualityId"`
}

type segmentAvailabilityFrame struct {
	Segments []string `json:"segments"`
}

type errorFrame struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// frameEnvelope is only used to sniff the "type" discriminator on inbound
// text frames before unmarshalling into the concrete shape. Every encoded
// frame carries "type" beside its own fields (no nested payload), and
// decodeTextFrame dispatches on it; an unknown type is an error.
type frameEnvelope struct {
	Type string `json:"type"`
}

func decodeTextFrame(data []byte) (kind string, segReq segmentRequestFrame, avail segmentAvailabilityFrame, errF errorFrame, err error) {
	var env frameEnvelope
	if uerr := json.Unmarshal(data, &env); uerr != nil {
		return "", segReq, avail, errF, uerr
	}
	switch env.Type {
	case "segmentRequest":
		err = json.Unmarshal(data, &segReq)
		return "segmentRequest", segReq, avail, errF, err
	case "segmentAvailability":
		err = json.Unmarshal(data, &avail)
		return "segmentAvailability", segReq, avail, errF, err
	case "error":
		err = json.Unmarshal(data, &errF)
		return "error", segReq, avail, errF, err
	default:
		return "", segReq, avail, errF, fmt.Errorf("unknown data channel frame type: %q", env.Type)
	}
}

func encodeSegmentRequest(requestID, segmentID, qualityID string) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		segmentRequestFrame
	}{Type: "segmentRequest", segmentRequestFrame: segmentRequestFrame{RequestID: requestID, SegmentID: segmentID, QualityID: qualityID}})
}

func encodeSegmentAvailability(segments []string) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		segmentAvailabilityFrame
	}{Type: "segmentAvailability", segmentAvailabilityFrame: segmentAvailabilityFrame{Segments: segments}})
}

func encodeErrorFrame(requestID, message string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
		Error     string `json:"error"`
	}{Type: "error", RequestID: requestID, Error: message})
}

const binaryRequestIDLen = 4

// encodeBinaryResponse prepends a 4-byte little-endian request identifier to
// payload. requestID must be the numeric value the requester's
// segmentRequestFrame.RequestID decimal string parses back to, so its
// pending-request lookup (keyed by the same numeric string) matches.
func encodeBinaryResponse(requestID uint32, payload []byte) []byte {
	out := make([]byte, binaryRequestIDLen+len(payload))
	binary.LittleEndian.PutUint32(out, requestID)
	copy(out[binaryRequestIDLen:], payload)
	return out
}

func decodeBinaryResponse(data []byte) (requestID uint32, payload []byte, ok bool) {
	if len(data) < binaryRequestIDLen {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint32(data[:binaryRequestIDLen]), data[binaryRequestIDLen:], true
}

// Alternative binary framing used by a minimal loader variant (Design
// Notes §9, "duplicated code in the source"): kept as a secondary
// decodable format. Frames: CHUNK carries one piece of a segment, DONE
// marks a request's reassembly complete server-side (unused client-side
// today), REQUEST is this framing's own segment request.
type altFrameType byte

const (
	altFrameChunk   altFrameType = 1
	altFrameDone    altFrameType = 2
	altFrameRequest altFrameType = 3
)

// encodeAltRequest builds a REQUEST frame: [type][idLen][id].
func encodeAltRequest(id string) []byte {
	idBytes := []byte(id)
	out := make([]byte, 2+len(idBytes))
	out[0] = byte(altFrameRequest)
	out[1] = byte(len(idBytes))
	copy(out[2:], idBytes)
	return out
}

// altChunk is one decoded CHUNK frame.
type altChunk struct {
	ID      string
	Index   uint16
	Total   uint16
	Payload []byte
}

// decodeAltFrame parses a CHUNK/DONE/REQUEST frame: [type][idLen][id]...
func decodeAltFrame(data []byte) (frameType altFrameType, id string, chunk altChunk, err error) {
	if len(data) < 2 {
		return 0, "", altChunk{}, fmt.Errorf("alt frame too short")
	}
	frameType = altFrameType(data[0])
	idLen := int(data[1])
	if len(data) < 2+idLen {
		return 0, "", altChunk{}, fmt.Errorf("alt frame id truncated")
	}
	id = string(data[2 : 2+idLen])
	rest := data[2+idLen:]

	switch frameType {
	case altFrameChunk:
		if len(rest) < 4 {
			return 0, "", altChunk{}, fmt.Errorf("chunk frame missing index/total")
		}
		index := binary.BigEndian.Uint16(rest[0:2])
		total := binary.BigEndian.Uint16(rest[2:4])
		chunk = altChunk{ID: id, Index: index, Total: total, Payload: rest[4:]}
		return frameType, id, chunk, nil
	case altFrameDone, altFrameRequest:
		return frameType, id, altChunk{ID: id}, nil
	default:
		return 0, "", altChunk{}, fmt.Errorf("unknown alt frame type: %d", frameType)
	}
}

// altReassembler reconstitutes a segment from CHUNK frames sharing an id.
type altReassembler struct {
	chunks  map[uint16][]byte
	total   uint16
	started bool
}

func newAltReassembler() *altReassembler {
	return &altReassembler{chunks: make(map[uint16][]byte)}
}

// Add records one chunk; it returns the reassembled payload and true once
// every chunk in [0,total) has been seen.
func (r *altReassembler) Add(c altChunk) ([]byte, bool) {
	r.started = true
	r.total = c.Total
	r.chunks[c.Index] = c.Payload
	if uint16(len(r.chunks)) < r.total {
		return nil, false
	}
	var out []byte
	for i := uint16(0); i < r.total; i++ {
		part, ok := r.chunks[i]
		if !ok {
			return nil, false
		}
		out = append(out, part...)
	}
	return out, true
}
