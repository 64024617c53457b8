package ident

import "testing"

func TestParseReplyUnix(t *testing.T) {
	userid, ok := parseReply("6193, 23 : USERID : UNIX : stjohns\r\n")
	if !ok {
		t.Fatalf("expected valid parse")
	}
	if userid != "stjohns" {
		t.Fatalf("got %q", userid)
	}
}

func TestParseReplyTruncatesTo9Chars(t *testing.T) {
	userid, ok := parseReply("1,2 : USERID : OTHER : abcdefghijklmnop\r\n")
	if !ok {
		t.Fatalf("expected valid parse")
	}
	if userid != "abcdefghi" {
		t.Fatalf("expected truncation to 9 chars, got %q (len %d)", userid, len(userid))
	}
}

func TestParseReplyRejectsUnknownOS(t *testing.T) {
	if _, ok := parseReply("1,2 : USERID : VMS : someone\r\n"); ok {
		t.Fatalf("expected OS token VMS to be rejected")
	}
}

func TestParseReplyRejectsMalformed(t *testing.T) {
	if _, ok := parseReply("not an ident reply\r\n"); ok {
		t.Fatalf("expected malformed line to fail parse")
	}
}

func TestParseReplyRejectsErrorLine(t *testing.T) {
	if _, ok := parseReply("6193, 23 : ERROR : NO-USER\r\n"); ok {
		t.Fatalf("expected ERROR reply line to fail the USERID-shaped parse")
	}
}
