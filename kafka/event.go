package kafka

import (
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fadedreams/autofix/domain"

	"github.com/hamba/avro/v2"
)

//go:embed change_event.avsc
var changeEventSchema string

// magic byte of the schema registry wire format
const magicByte = 0

// ChangeRecord mirrors the Avro schema. Rows travel as JSON documents since
// their shape differs per collection.
type ChangeRecord struct {
	Type       string    `avro:"type"`
	Collection string    `avro:"collection"`
	NewRow     string    `avro:"new_row"`
	OldRow     *string   `avro:"old_row"`
	CommitTime time.Time `avro:"commit_time"`
}

func parseSchema() (avro.Schema, error) {
	schema, err := avro.Parse(changeEventSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return schema, nil
}

func toRecord(ev domain.ChangeEvent) (ChangeRecord, error) {
	newRow, err := json.Marshal(ev.New)
	if err != nil {
		return ChangeRecord{}, fmt.Errorf("failed to encode new row: %w", err)
	}
	rec := ChangeRecord{
		Type:       string(ev.Type),
		Collection: ev.Collection,
		NewRow:     string(newRow),
		CommitTime: ev.CommitTime.UTC(),
	}
	if ev.Old != nil {
		oldRow, err := json.Marshal(ev.Old)
		if err != nil {
			return ChangeRecord{}, fmt.Errorf("failed to encode old row: %w", err)
		}
		s := string(oldRow)
		rec.OldRow = &s
	}
	return rec, nil
}

func fromRecord(rec ChangeRecord) (domain.ChangeEvent, error) {
	ev := domain.ChangeEvent{
		Type:       domain.EventType(rec.Type),
		Collection: rec.Collection,
		CommitTime: rec.CommitTime,
	}
	if err := json.Unmarshal([]byte(rec.NewRow), &ev.New); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to decode new row: %w", err)
	}
	if rec.OldRow != nil {
		if err := json.Unmarshal([]byte(*rec.OldRow), &ev.Old); err != nil {
			return domain.ChangeEvent{}, fmt.Errorf("failed to decode old row: %w", err)
		}
	}
	return ev, nil
}

// encodeFrame serializes ev prefixed with the magic byte and the big-endian
// schema id.
func encodeFrame(schema avro.Schema, schemaID int, ev domain.ChangeEvent) ([]byte, error) {
	rec, err := toRecord(ev)
	if err != nil {
		return nil, err
	}
	body, err := avro.Marshal(schema, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	frame := make([]byte, 5, 5+len(body))
	frame[0] = magicByte
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	return append(frame, body...), nil
}

// frameSchemaID reads the schema id from a frame header.
func frameSchemaID(frame []byte) (int, error) {
	if len(frame) < 5 {
		return 0, fmt.Errorf("invalid message length %d", len(frame))
	}
	if frame[0] != magicByte {
		return 0, errors.New("unknown magic byte")
	}
	return int(binary.BigEndian.Uint32(frame[1:5])), nil
}

func decodeFrame(schema avro.Schema, frame []byte) (domain.ChangeEvent, error) {
	if _, err := frameSchemaID(frame); err != nil {
		return domain.ChangeEvent{}, err
	}
	var rec ChangeRecord
	if err := avro.Unmarshal(schema, frame[5:], &rec); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to deserialize event: %w", err)
	}
	return fromRecord(rec)
}

// messageKey keeps events for the same row on one partition.
func messageKey(ev domain.ChangeEvent) []byte {
	return []byte(ev.Collection + ":" + ev.New.String("id"))
}
