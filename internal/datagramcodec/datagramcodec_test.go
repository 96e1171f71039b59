package datagramcodec

import (
	"bytes"
	"testing"
)

func TestFragmentEncodeDecodeRoundTrip(t *testing.T) {
	f := Fragment{SiteID: 0xAABBCCDD, Seq: 7, Num: 3, Idx: 1, Body: []byte("chunk body")}
	got, err := DecodeFragment(EncodeFragment(f))
	if err != nil {
		t.Fatalf("DecodeFragment: %v", err)
	}
	if got.SiteID != f.SiteID || got.Seq != f.Seq || got.Num != f.Num || got.Idx != f.Idx {
		t.Fatalf("decoded header = %+v, want %+v", got, f)
	}
	if !bytes.Equal(got.Body, f.Body) {
		t.Fatalf("decoded body = %q, want %q", got.Body, f.Body)
	}
}

func TestDecodeFragmentRejectsShortPacket(t *testing.T) {
	if _, err := DecodeFragment([]byte{1, 2, 3}); err != ErrShortPacket {
		t.Fatalf("DecodeFragment(short) = %v, want ErrShortPacket", err)
	}
}

func TestReassemblerInOrder(t *testing.T) {
	body := bytes.Repeat([]byte("x"), MaxChunkSize*2+100)
	frags := Fragments(42, 1, body)
	if len(frags) != 3 {
		t.Fatalf("Fragments produced %d fragments, want 3", len(frags))
	}

	r := NewReassembler()
	var got []byte
	var ok bool
	for _, f := range frags {
		got, ok = r.Accept(f)
	}
	if !ok {
		t.Fatal("Accept did not report completion on the final fragment")
	}
	if !bytes.Equal(got, body) {
		t.Fatal("reassembled body does not match original")
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	body := []byte("some message that needs three fragments to carry in this test")
	frags := []Fragment{
		{SiteID: 1, Seq: 5, Num: 3, Idx: 0, Body: body[0:20]},
		{SiteID: 1, Seq: 5, Num: 3, Idx: 1, Body: body[20:40]},
		{SiteID: 1, Seq: 5, Num: 3, Idx: 2, Body: body[40:]},
	}

	r := NewReassembler()
	// Feed out of order: 2, 0, 1.
	if _, ok := r.Accept(frags[2]); ok {
		t.Fatal("should not complete after one of three fragments")
	}
	if _, ok := r.Accept(frags[0]); ok {
		t.Fatal("should not complete after two of three fragments")
	}
	got, ok := r.Accept(frags[1])
	if !ok {
		t.Fatal("should complete after all three fragments regardless of arrival order")
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("reassembled = %q, want %q", got, body)
	}
}

func TestReassemblerSeqReuseResetsBuffer(t *testing.T) {
	r := NewReassembler()
	stale := Fragment{SiteID: 9, Seq: 1, Num: 2, Idx: 0, Body: []byte("stale-first-half")}
	if _, ok := r.Accept(stale); ok {
		t.Fatal("should not complete with only one of two fragments")
	}

	// Origin moves on to a new seq before completing the old one.
	fresh := Fragments(9, 2, []byte("short"))
	var got []byte
	var ok bool
	for _, f := range fresh {
		got, ok = r.Accept(f)
	}
	if !ok {
		t.Fatal("new seq should reassemble independently of the abandoned one")
	}
	if !bytes.Equal(got, []byte("short")) {
		t.Fatalf("reassembled = %q, want %q", got, "short")
	}

	// Completing the old seq's second fragment must not resurrect it —
	// the buffer was replaced when seq 2 arrived.
	if _, ok := r.Accept(Fragment{SiteID: 9, Seq: 1, Num: 2, Idx: 1, Body: []byte("x")}); ok {
		t.Fatal("abandoned seq should not be completable after a newer seq reset its buffer")
	}
}
