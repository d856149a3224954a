package message

import (
	"encoding/json"
	"fmt"
)

// RejectError describes why a raw record is not a valid packet.
// Receivers log it and drop the record; it never reaches application code.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "invalid packet: " + e.Reason
}

func reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// Validator decides whether a decoded packet may be handed to the client or server.
type Validator func(p *Packet) error

// Validate is the default Validator. It checks that the kind is known and that every
// field required by that kind is present.
func Validate(p *Packet) error {
	if p == nil {
		return reject("nil packet")
	}
	if !p.Kind.Known() {
		return reject("unknown kind %q", p.Kind)
	}
	if p.Kind != KindNotify && p.ID == "" {
		return reject("%s: missing id", p.Kind)
	}
	switch p.Kind {
	case KindRequest, KindStartStream, KindNotify:
		if p.Method == "" {
			return reject("%s: missing method", p.Kind)
		}
		if p.Args == nil {
			return reject("%s: missing args", p.Kind)
		}
	case KindResponse, KindStreamData:
		// A null result arrives as the literal "null"; only an absent field is nil.
		if p.Data == nil {
			return reject("%s: missing data", p.Kind)
		}
	case KindError:
		if p.Error == "" {
			return reject("%s: missing error", p.Kind)
		}
	}
	return nil
}

// Unmarshal decodes one JSON record into a validated Packet.
// A record of the wrong shape (not an object, a field of the wrong type, an unknown kind,
// a missing field) yields a *RejectError.
func Unmarshal(raw []byte) (*Packet, error) {
	var w wirePacket
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, reject("%v", err)
	}
	if w.Kind == nil {
		return nil, reject("missing kind")
	}
	p := &Packet{Kind: Kind(*w.Kind), Data: w.Data}
	if w.ID != nil {
		p.ID = *w.ID
	}
	if w.Method != nil {
		p.Method = *w.Method
	}
	if w.Args != nil {
		p.Args = nonNil(*w.Args)
	}
	if w.Error != nil {
		p.Error = *w.Error
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// UnmarshalBatch decodes a JSON array of records. Invalid records are reported through
// onReject and skipped; only a body that is not an array fails the whole batch.
func UnmarshalBatch(raw []byte, onReject func(error)) ([]*Packet, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, reject("batch: %v", err)
	}
	packets := make([]*Packet, 0, len(records))
	for _, rec := range records {
		p, err := Unmarshal(rec)
		if err != nil {
			if onReject != nil {
				onReject(err)
			}
			continue
		}
		packets = append(packets, p)
	}
	return packets, nil
}
