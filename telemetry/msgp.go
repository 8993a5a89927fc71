package telemetry

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Field keys of the journal encoding.
const (
	keyType       = "type"
	keyTime       = "time"
	keyListener   = "listener"
	keyLocalPort  = "lport"
	keyRemoteIP   = "rip"
	keyRemotePort = "rport"
	keySessionID  = "sid"
	keyElapsed    = "elapsed"
	keyDomain     = "domain"
	keyReason     = "reason"
	keyResult     = "result"
)

// MarshalMsg implements msgp.Marshaler. Zero fields other than type and
// time are omitted.
func (e *Event) MarshalMsg(b []byte) ([]byte, error) {
	n := uint32(2)
	for _, set := range [...]bool{
		e.ListenerID != "", e.LocalPort != 0, e.RemoteIP != "", e.RemotePort != 0,
		e.SessionID != "", e.Elapsed != 0, e.Domain != "", e.Reason != "", e.Result != "",
	} {
		if set {
			n++
		}
	}

	o := msgp.Require(b, e.Msgsize())
	o = msgp.AppendMapHeader(o, n)
	o = msgp.AppendString(o, keyType)
	o = msgp.AppendUint16(o, uint16(e.Type))
	o = msgp.AppendString(o, keyTime)
	o = msgp.AppendTime(o, e.Time)
	if e.ListenerID != "" {
		o = msgp.AppendString(o, keyListener)
		o = msgp.AppendString(o, e.ListenerID)
	}
	if e.LocalPort != 0 {
		o = msgp.AppendString(o, keyLocalPort)
		o = msgp.AppendUint16(o, e.LocalPort)
	}
	if e.RemoteIP != "" {
		o = msgp.AppendString(o, keyRemoteIP)
		o = msgp.AppendString(o, e.RemoteIP)
	}
	if e.RemotePort != 0 {
		o = msgp.AppendString(o, keyRemotePort)
		o = msgp.AppendUint16(o, e.RemotePort)
	}
	if e.SessionID != "" {
		o = msgp.AppendString(o, keySessionID)
		o = msgp.AppendString(o, e.SessionID)
	}
	if e.Elapsed != 0 {
		o = msgp.AppendString(o, keyElapsed)
		o = msgp.AppendInt64(o, int64(e.Elapsed))
	}
	if e.Domain != "" {
		o = msgp.AppendString(o, keyDomain)
		o = msgp.AppendString(o, e.Domain)
	}
	if e.Reason != "" {
		o = msgp.AppendString(o, keyReason)
		o = msgp.AppendString(o, e.Reason)
	}
	if e.Result != "" {
		o = msgp.AppendString(o, keyResult)
		o = msgp.AppendString(o, e.Result)
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. Unknown keys are skipped.
func (e *Event) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, msgp.WrapError(err)
	}
	*e = Event{}

	for ; sz > 0; sz-- {
		var key []byte
		key, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, msgp.WrapError(err)
		}
		switch msgp.UnsafeString(key) {
		case keyType:
			var v uint16
			v, bts, err = msgp.ReadUint16Bytes(bts)
			e.Type = EventType(v)
		case keyTime:
			e.Time, bts, err = msgp.ReadTimeBytes(bts)
		case keyListener:
			e.ListenerID, bts, err = msgp.ReadStringBytes(bts)
		case keyLocalPort:
			e.LocalPort, bts, err = msgp.ReadUint16Bytes(bts)
		case keyRemoteIP:
			e.RemoteIP, bts, err = msgp.ReadStringBytes(bts)
		case keyRemotePort:
			e.RemotePort, bts, err = msgp.ReadUint16Bytes(bts)
		case keySessionID:
			e.SessionID, bts, err = msgp.ReadStringBytes(bts)
		case keyElapsed:
			var v int64
			v, bts, err = msgp.ReadInt64Bytes(bts)
			e.Elapsed = time.Duration(v)
		case keyDomain:
			e.Domain, bts, err = msgp.ReadStringBytes(bts)
		case keyReason:
			e.Reason, bts, err = msgp.ReadStringBytes(bts)
		case keyResult:
			e.Result, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err, string(key))
		}
	}
	return bts, nil
}

// Msgsize returns an upper bound for the encoded size.
func (e *Event) Msgsize() int {
	return msgp.MapHeaderSize +
		11*msgp.StringPrefixSize + 64 +
		3*msgp.Uint16Size + msgp.TimeSize + msgp.Int64Size +
		len(e.ListenerID) + len(e.RemoteIP) + len(e.SessionID) +
		len(e.Domain) + len(e.Reason) + len(e.Result)
}

// DecodeJournal decodes a concatenation of encoded events.
func DecodeJournal(b []byte) ([]Event, error) {
	var events []Event
	for len(b) > 0 {
		var ev Event
		rest, err := ev.UnmarshalMsg(b)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
		b = rest
	}
	return events, nil
}
