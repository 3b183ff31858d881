package handler

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// event is the part of an API Gateway HTTP API authorizer request (payload
// format 2.0) the authorizer reads. Everything else is skipped unread.
type event struct {
	// Authorization is the "authorization" header, matched case-insensitively.
	Authorization string
	HasHeader     bool
	// IdentitySource holds the configured identity sources, usually
	// "$request.header.Authorization".
	IdentitySource []string
}

// header returns the presented credential: the authorization header, or the
// first identity source when the header is absent.
func (e event) header() string {
	if e.HasHeader {
		return e.Authorization
	}
	if len(e.IdentitySource) > 0 {
		return e.IdentitySource[0]
	}
	return ""
}

func decodeEvent(data []byte) (event, error) {
	var ev event
	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return ev, errors.New("event is not a JSON object")
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "headers":
			return decodeHeaders(d, &ev)
		case "identitySource":
			return decodeIdentitySource(d, &ev)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return event{}, errors.Wrap(err, "decode event")
	}
	return ev, nil
}

func decodeHeaders(d *jx.Decoder, ev *event) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if !strings.EqualFold(string(key), "authorization") || d.Next() != jx.String {
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return err
		}
		ev.Authorization, ev.HasHeader = v, true
		return nil
	})
}

func decodeIdentitySource(d *jx.Decoder, ev *event) error {
	switch d.Next() {
	case jx.Array:
		return d.Arr(func(d *jx.Decoder) error {
			if d.Next() != jx.String {
				return d.Skip()
			}
			v, err := d.Str()
			if err != nil {
				return err
			}
			ev.IdentitySource = append(ev.IdentitySource, v)
			return nil
		})
	case jx.String:
		// Payload format 1.0 sends a comma-joined string.
		v, err := d.Str()
		if err != nil {
			return err
		}
		ev.IdentitySource = append(ev.IdentitySource, v)
		return nil
	default:
		return d.Skip()
	}
}

// encodeDecision writes the simple response payload {"isAuthorized":bool}.
func encodeDecision(authorized bool) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("isAuthorized")
	e.Bool(authorized)
	e.ObjEnd()
	return e.Bytes()
}
