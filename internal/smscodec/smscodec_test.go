package smscodec

import (
	"strings"
	"testing"

	"github.com/warthog618/sms/encoding/tpdu"
)

func TestEncodeSingleSegmentGSM7HasNoConcatHeader(t *testing.T) {
	segs, err := Encode("+15551234567", "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Total != 0 {
		t.Errorf("single-segment message should not carry a concat UDH, got Total=%d", segs[0].Total)
	}
}

func TestEncodeFallsBackToUCS2ForNonGSM7(t *testing.T) {
	segs, err := Encode("+15551234567", "héllo 中文")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	// first octet, MR, DA (length, TOA, semi-octets), PID, then DCS.
	pdu := segs[0].TPDU
	dcsOff := 2 + 2 + (int(pdu[2])+1)/2 + 1
	if alpha, err := tpdu.DCS(pdu[dcsOff]).Alphabet(); err != nil || alpha != tpdu.AlphaUCS2 {
		t.Errorf("DCS alphabet = %v (err %v), want UCS-2", alpha, err)
	}
}

func TestEncodeSplitsLongMessageAcrossSegments(t *testing.T) {
	body := strings.Repeat("a", 400)
	segs, err := Encode("+15551234567", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) < 3 {
		t.Fatalf("got %d segments, want at least 3 for a 400-char message", len(segs))
	}
	ref := segs[0].Reference
	for i, s := range segs {
		if s.Reference != ref {
			t.Errorf("segment %d reference = %d, want %d", i, s.Reference, ref)
		}
		if s.Total != byte(len(segs)) {
			t.Errorf("segment %d total = %d, want %d", i, s.Total, len(segs))
		}
		if s.SeqNum != byte(i+1) {
			t.Errorf("segment %d seq = %d, want %d", i, s.SeqNum, i+1)
		}
	}
}

func TestDecodeDeliverGSM7SingleSegment(t *testing.T) {
	segs, err := Encode("+15551234567", "hi")
	if err != nil {
		t.Fatal(err)
	}
	// turn the SUBMIT TPDU into an equivalent DELIVER TPDU: same field
	// layout except the first octet MTI and missing TP-VP.
	submit := segs[0].TPDU
	deliver := buildDeliverFromSubmit(t, submit)
	d, err := DecodeDeliver(deliver)
	if err != nil {
		t.Fatal(err)
	}
	if d.Text != "hi" {
		t.Errorf("text = %q, want %q", d.Text, "hi")
	}
	if d.Originator != "+15551234567" {
		t.Errorf("originator = %q, want %q", d.Originator, "+15551234567")
	}
}

func TestDecodeStatusReportFinalVsTransient(t *testing.T) {
	cases := []struct {
		status  byte
		isFinal bool
	}{
		{0x00, true},
		{0x25, false},
		{0x40, true},
	}
	for _, c := range cases {
		if got := isFinalStatus(c.status); got != c.isFinal {
			t.Errorf("isFinalStatus(0x%02x) = %v, want %v", c.status, got, c.isFinal)
		}
	}
}

func TestDecodeDeliverRejectsShortPDU(t *testing.T) {
	if _, err := DecodeDeliver([]byte{0x00}); err == nil {
		t.Error("expected error decoding a truncated PDU")
	}
}

// buildDeliverFromSubmit reframes a SUBMIT TPDU (first-octet, MR, DA, PID,
// DCS, VP, UDL, UD) as an equivalent DELIVER TPDU (first-octet, OA, PID,
// DCS, SCTS, UDL, UD) for round-trip testing, since the encoder only
// produces SUBMIT PDUs.
func buildDeliverFromSubmit(t *testing.T, submit []byte) []byte {
	t.Helper()
	if len(submit) < 2 {
		t.Fatal("submit PDU too short")
	}
	firstOctet := submit[0]&^0x03 | mtiDeliver
	firstOctet &^= 0x10 // no VPF bits in a DELIVER first octet
	rest := submit[2:]  // skip first octet + MR

	// address length/TOA occupy 2 bytes, plus ceil(len/2) semioctet bytes.
	addrLen := int(rest[0])
	addrBytes := 2 + (addrLen+1)/2
	addr := rest[:addrBytes]
	tail := rest[addrBytes:] // PID, DCS, VP, UDL, UD...

	pid := tail[0]
	dcs := tail[1]
	// VP is a single relative-format byte for our encoder's output.
	afterVP := tail[3:]

	scts := make([]byte, 7) // zero SCTS is fine; the decoder only stores it.

	out := []byte{firstOctet}
	out = append(out, addr...)
	out = append(out, pid, dcs)
	out = append(out, scts...)
	out = append(out, afterVP...)
	return out
}
