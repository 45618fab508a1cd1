package fsm

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestPkt(t *testing.T) {
	// IPCP ConfReq with addr 192.168.0.1, followed by padding
	buf, err := hex.DecodeString("0101000a0306c0a80001" + "00000000")
	if err != nil {
		t.Fatal(err)
	}
	p := new(Pkt)
	err = p.Parse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if p.Code != CodeConfigureRequest {
		t.Fatal("wrong code")
	}
	if p.ID != 1 || p.Len != 10 {
		t.Fatalf("wrong id %d or length %d", p.ID, p.Len)
	}
	if !bytes.Equal(p.Data, buf[4:10]) {
		t.Fatalf("wrong data %x", p.Data)
	}
	if !bytes.Equal(p.Serialize(), buf[:10]) {
		t.Fatalf("serialized %x", p.Serialize())
	}
	t.Logf("\n%v", p)
}

func TestPktInvalid(t *testing.T) {
	for _, s := range []string{"010100", "01010003", "0101000a0306c0a8"} {
		buf, err := hex.DecodeString(s)
		if err != nil {
			t.Fatal(err)
		}
		err = new(Pkt).Parse(buf)
		if err == nil {
			t.Fatalf("%v should fail to parse", s)
		}
		if !errors.Is(err, ErrShortPacket) && !errors.Is(err, ErrBadLength) {
			t.Fatalf("unexpected error %v", err)
		}
	}
}

func TestPktFormat(t *testing.T) {
	p := Pkt{Code: CodeTerminateRequest, ID: 3, Data: []byte("bye")}
	if p.String() != `Code:TermReq ID:3 "bye"` {
		t.Fatalf("got %v", p.String())
	}
	rej := Pkt{Code: CodeCodeReject, ID: 4, Data: (&Pkt{Code: 12, ID: 9}).Serialize()}
	if rej.String() != "Code:CodeReject ID:4 rejected code unknown (12) id 9" {
		t.Fatalf("got %v", rej.String())
	}
	req := Pkt{Code: CodeConfigureRequest, ID: 1, Data: []byte{3, 6, 0, 0, 0, 0}}
	s := req.Format(func(b []byte) string { return "<addr>" })
	if s != "Code:ConfReq ID:1 <addr>" {
		t.Fatalf("got %v", s)
	}
}
