// Package smscodec encodes and decodes SMS TPDUs (3GPP TS 23.040/23.038),
// building outgoing SMS-SUBMIT PDUs and parsing incoming SMS-DELIVER and
// SMS-STATUS-REPORT PDUs reported by the modem (spec §4.3/§4.4).
//
// The wire envelope (SMSC address + hex framing) is handled by
// github.com/warthog618/modem/gsm; this package only produces and consumes
// the raw TPDU bytes that cross that boundary.
package smscodec

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/warthog618/sms/encoding/gsm7"
	"github.com/warthog618/sms/encoding/tpdu"
)

// Message type indicator values, 3GPP TS 23.040 §9.2.3.1.
const (
	mtiDeliver      byte = 0x00
	mtiSubmit       byte = 0x01
	mtiStatusReport byte = 0x02
)

// maxSeptetsPerSegment and maxOctetsPerSegment are the per-segment payload
// limits once a 6-byte concatenation UDH is present (spec §4.3).
const (
	maxSeptetsPerSegment = 153
	maxOctetsPerSegment  = 134
	singleSeptetLimit    = 160
	singleOctetLimit     = 140
	concatHeaderLen      = 6 // UDHL(1) + IEI(1) + IEDL(1) + ref(1) + total(1) + seq(1), see encodeSegments
)

var (
	// ErrTooManySegments indicates the message would require more segments
	// than a single 8-bit concatenation reference byte can address.
	ErrTooManySegments = errors.New("smscodec: message requires too many segments")
	// ErrShortPDU indicates a PDU buffer ended before a required field.
	ErrShortPDU = errors.New("smscodec: PDU truncated")
	// ErrUnsupportedAlphabet indicates a DCS alphabet this codec cannot decode.
	ErrUnsupportedAlphabet = errors.New("smscodec: unsupported alphabet")
)

// Segment is one SMS-SUBMIT TPDU, ready for transmission via
// gsm.GSM.SendSMSPDU. Reference and SeqNum/Total are 0 for single-segment
// messages (no UDH is emitted in that case).
type Segment struct {
	TPDU      []byte
	Reference byte
	SeqNum    byte
	Total     byte
}

// refCounter hands out 8-bit concatenation references. A process-wide
// counter is adequate: the modem's own MR roll-over has the same property
// and receivers key reassembly on (origin, reference, total).
var refCounter uint32

func nextReference() byte {
	return byte(atomic.AddUint32(&refCounter, 1))
}

// Encode renders msg (UTF-8 text) addressed to number into one or more
// SMS-SUBMIT PDUs, splitting across multiple segments with a concatenation
// UDH when it does not fit a single PDU (spec §4.3).
func Encode(number, msg string) ([]Segment, error) {
	addr := addressFor(number)
	if septets, ok := encode7Bit(msg); ok {
		return encodeSegments(addr, septets, true)
	}
	return encodeSegments(addr, []byte(encodeUCS2(msg)), false)
}

func encodeSegments(da tpdu.Address, payload []byte, sevenBit bool) ([]Segment, error) {
	limit := maxOctetsPerSegment
	singleLimit := singleOctetLimit
	if sevenBit {
		limit = maxSeptetsPerSegment
		singleLimit = singleSeptetLimit
	}
	if len(payload) <= singleLimit {
		pdu, err := marshalSubmit(da, payload, sevenBit, nil)
		if err != nil {
			return nil, err
		}
		return []Segment{{TPDU: pdu}}, nil
	}

	total := (len(payload) + limit - 1) / limit
	if total > 255 {
		return nil, ErrTooManySegments
	}
	ref := nextReference()
	segs := make([]Segment, 0, total)
	for i := 0; i < total; i++ {
		start := i * limit
		end := start + limit
		if end > len(payload) {
			end = len(payload)
		}
		udh := tpdu.UserDataHeader{{
			ID:   0x00,
			Data: []byte{ref, byte(total), byte(i + 1)},
		}}
		pdu, err := marshalSubmit(da, payload[start:end], sevenBit, udh)
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{TPDU: pdu, Reference: ref, SeqNum: byte(i + 1), Total: byte(total)})
	}
	return segs, nil
}

func marshalSubmit(da tpdu.Address, payload []byte, sevenBit bool, udh tpdu.UserDataHeader) ([]byte, error) {
	firstOctet := mtiSubmit | 0x10 // TP-VPF relative (bits 3-4 = 10)
	if len(udh) > 0 {
		firstOctet |= 0x40 // UDHI
	}
	dcs := tpdu.DCS(0x00)
	if !sevenBit {
		dcs, _ = dcs.WithAlphabet(tpdu.AlphaUCS2)
	}

	daBin, err := da.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var ud []byte
	udhBin, err := udh.MarshalBinary()
	if err != nil {
		return nil, err
	}
	ud = append(ud, udhBin...)

	var udl int
	if sevenBit {
		fill := 0
		udhSeptets := 0
		if len(udhBin) > 0 {
			bits := len(udhBin) * 8
			fill = (7 - bits%7) % 7
			udhSeptets = (bits + fill) / 7
		}
		packed := gsm7.Pack7Bit(payload, fill)
		ud = append(ud, packed...)
		udl = udhSeptets + len(payload)
	} else {
		ud = append(ud, payload...)
		udl = len(ud)
	}

	b := make([]byte, 0, 16+len(ud))
	b = append(b, byte(firstOctet), 0x00) // TP-MR: left 0; the reference used is the one the modem reports in +CMGS
	b = append(b, daBin...)
	b = append(b, 0x00)      // TP-PID
	b = append(b, byte(dcs)) // TP-DCS
	b = append(b, 0xa7)      // TP-VP: relative, ~1 day
	b = append(b, byte(udl))
	b = append(b, ud...)
	return b, nil
}

func addressFor(number string) tpdu.Address {
	a := *tpdu.NewAddress()
	if len(number) > 0 && number[0] == '+' {
		a.SetTypeOfNumber(tpdu.TonInternational)
		a.Addr = number[1:]
	} else {
		a.SetTypeOfNumber(tpdu.TonNational)
		a.Addr = number
	}
	return a
}

// encode7Bit attempts to render msg in the default GSM 7-bit alphabet,
// returning the unpacked septets. ok is false if msg contains characters
// outside that alphabet, in which case the caller should fall back to UCS-2.
func encode7Bit(msg string) (septets []byte, ok bool) {
	e := gsm7.NewEncoder()
	b, err := e.Encode([]byte(msg))
	if err != nil {
		return nil, false
	}
	return b, true
}

func encodeUCS2(msg string) []byte {
	r := []rune(msg)
	buf := make([]byte, 0, len(r)*2)
	for _, c := range r {
		if c > 0xffff {
			c = '?'
		}
		buf = append(buf, byte(c>>8), byte(c))
	}
	return buf
}

// Deliver is a decoded incoming SMS-DELIVER TPDU (spec §4.3).
type Deliver struct {
	Originator string
	Timestamp  time.Time
	Text       string
	Reference  byte
	SeqNum     byte
	Total      byte
	Concat     bool
}

// DecodeDeliver parses a single SMS-DELIVER TPDU as reported by +CMT.
func DecodeDeliver(pdu []byte) (Deliver, error) {
	if len(pdu) < 1 {
		return Deliver{}, ErrShortPDU
	}
	r := bytes.NewReader(pdu)
	firstOctet, _ := r.ReadByte()
	udhi := firstOctet&0x40 != 0

	var oa tpdu.Address
	n, err := oa.UnmarshalBinary(pdu[1:])
	if err != nil {
		return Deliver{}, err
	}
	off := 1 + n
	if len(pdu) < off+9 {
		return Deliver{}, ErrShortPDU
	}
	off++ // TP-PID
	dcs := tpdu.DCS(pdu[off])
	off++
	var scts tpdu.Timestamp
	if err := scts.UnmarshalBinary(pdu[off : off+7]); err != nil {
		return Deliver{}, err
	}
	off += 7
	if len(pdu) <= off {
		return Deliver{}, ErrShortPDU
	}
	udl := int(pdu[off])
	off++
	ud := pdu[off:]

	alpha, err := dcs.Alphabet()
	if err != nil {
		return Deliver{}, err
	}

	d := Deliver{Originator: oa.Number(), Timestamp: scts.Time}

	var udh tpdu.UserDataHeader
	body := ud
	if udhi {
		hn, err := udh.UnmarshalBinary(ud)
		if err != nil {
			return Deliver{}, err
		}
		body = ud[hn:]
		if ie, ok := udh.IE(0x00); ok && len(ie.Data) == 3 {
			d.Concat = true
			d.Reference = ie.Data[0]
			d.Total = ie.Data[1]
			d.SeqNum = ie.Data[2]
		}
	}

	switch alpha {
	case tpdu.Alpha7Bit:
		fill := 0
		if udhi {
			hdrBits := (len(ud) - len(body)) * 8
			fill = (7 - hdrBits%7) % 7
		}
		_ = udl
		unpacked := gsm7.Unpack7Bit(body, fill)
		dec := gsm7.NewDecoder()
		text, err := dec.Decode(unpacked)
		if err != nil {
			return Deliver{}, err
		}
		d.Text = string(text)
	case tpdu.AlphaUCS2:
		d.Text = decodeUCS2(body)
	default:
		return Deliver{}, ErrUnsupportedAlphabet
	}
	return d, nil
}

func decodeUCS2(b []byte) string {
	r := make([]rune, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		r = append(r, rune(b[i])<<8|rune(b[i+1]))
	}
	return string(r)
}

// StatusReport is a decoded SMS-STATUS-REPORT TPDU (spec §4.4).
type StatusReport struct {
	MessageReference byte
	Recipient        string
	Status           byte
	IsFinal          bool
}

// DecodeStatusReport parses a single SMS-STATUS-REPORT TPDU as reported by
// +CDS.
func DecodeStatusReport(pdu []byte) (StatusReport, error) {
	if len(pdu) < 2 {
		return StatusReport{}, ErrShortPDU
	}
	r := bytes.NewReader(pdu)
	if _, err := r.ReadByte(); err != nil { // first octet
		return StatusReport{}, err
	}
	mr, err := r.ReadByte()
	if err != nil {
		return StatusReport{}, err
	}
	rest, _ := io.ReadAll(r)
	var ra tpdu.Address
	n, err := ra.UnmarshalBinary(rest)
	if err != nil {
		return StatusReport{}, err
	}
	rest = rest[n:]

	var scts, dt tpdu.Timestamp
	if len(rest) < 14 {
		return StatusReport{}, ErrShortPDU
	}
	if err := scts.UnmarshalBinary(rest[:7]); err != nil {
		return StatusReport{}, err
	}
	if err := dt.UnmarshalBinary(rest[7:14]); err != nil {
		return StatusReport{}, err
	}
	if len(rest) < 15 {
		return StatusReport{}, ErrShortPDU
	}
	status := rest[14]

	return StatusReport{
		MessageReference: mr,
		Recipient:        ra.Number(),
		Status:           status,
		IsFinal:          isFinalStatus(status),
	}, nil
}

// isFinalStatus implements the TP-ST classification from 3GPP TS 23.040
// §9.2.3.15: 0x00-0x1f (completed) is final; 0x20-0x3f (still trying) and
// 0x60-0x7f are treated as transient; every other value is final.
func isFinalStatus(st byte) bool {
	switch {
	case st <= 0x1f:
		return true // delivered or a final failure already reported
	case st >= 0x20 && st <= 0x3f:
		return false // still trying
	case st >= 0x60 && st < 0x80:
		return false // reserved still-trying range used by some networks
	default:
		return true
	}
}
