package reconcile

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/roach88/meshsync/internal/ir"
)

// msThreshold separates second and millisecond epoch timestamps. Any
// numeric timestamp above it is read as milliseconds.
const msThreshold = 1e12

// Project returns the normalized projection of data that feeds its
// deterministic id. Only the identity-bearing fields of each data type are
// kept; coordinates are rounded to integer micro-degrees and timestamps
// truncated to whole seconds. It reports false for data types without a
// dedicated projection.
func Project(data ir.Payload, dataType string) (ir.IRObject, bool) {
	switch dataType {
	case ir.DataTypeMessage:
		return ir.IRObject{
			"content":   ir.IRString(data.String("content")),
			"type":      ir.IRString(data.String("type")),
			"senderId":  ir.IRString(data.String("senderId")),
			"timestamp": ir.IRInt(unixSeconds(data["timestamp"])),
		}, true
	case ir.DataTypeMarker:
		return ir.IRObject{
			"lat":      microDegrees(data, "lat"),
			"lon":      microDegrees(data, "lon"),
			"title":    ir.IRString(data.String("title")),
			"category": ir.IRString(data.String("category")),
		}, true
	case ir.DataTypeLocation:
		peerID := data.String("peerId")
		if peerID == "" {
			peerID = data.String("senderId")
		}
		return ir.IRObject{
			"lat":       microDegrees(data, "lat"),
			"lon":       microDegrees(data, "lon"),
			"peerId":    ir.IRString(peerID),
			"timestamp": ir.IRInt(unixSeconds(data["timestamp"])),
		}, true
	}
	return nil, false
}

// GenerateDeterministicID returns "<dataType>_<hash>" for data. Field order
// never affects the result.
func GenerateDeterministicID(data ir.Payload, dataType string) (string, error) {
	if data == nil {
		return "", errUnsupported(dataType, errors.New("payload is nil"))
	}
	if dataType == "" {
		return "", errUnsupported(dataType, errors.New("data type is empty"))
	}

	var (
		id  string
		err error
	)
	if projection, ok := Project(data, dataType); ok {
		id, err = ir.RecordID(dataType, projection)
	} else {
		id, err = ir.PayloadRecordID(dataType, data)
	}
	if err != nil {
		return "", errUnsupported(dataType, err)
	}
	return id, nil
}

// ContentHash fingerprints the unnormalized payload.
func ContentHash(data ir.Payload) (string, error) {
	h, err := ir.ContentHash(data)
	if err != nil {
		return "", &Error{Code: ErrCodeUnsupportedPayload, Message: "cannot hash payload", Err: err}
	}
	return h, nil
}

func microDegrees(data ir.Payload, key string) ir.IRInt {
	f, _ := data.Float(key)
	return ir.MicroDegrees(f)
}

// unixSeconds reads a timestamp in any of the shapes a payload carries:
// time.Time, RFC 3339 text, or epoch seconds or milliseconds as a number.
// Unreadable values count as zero.
func unixSeconds(v any) int64 {
	switch ts := v.(type) {
	case time.Time:
		return ts.Unix()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t.Unix()
		}
		if n, err := strconv.ParseFloat(ts, 64); err == nil {
			return epochSeconds(n)
		}
		return 0
	case json.Number:
		if n, err := ts.Int64(); err == nil {
			return epochSeconds(float64(n))
		}
		if f, err := ts.Float64(); err == nil {
			return epochSeconds(f)
		}
		return 0
	case int64:
		return epochSeconds(float64(ts))
	case int:
		return epochSeconds(float64(ts))
	case float64:
		return epochSeconds(ts)
	}
	return 0
}

func epochSeconds(n float64) int64 {
	if n > msThreshold {
		return int64(n) / 1000
	}
	return int64(n)
}
