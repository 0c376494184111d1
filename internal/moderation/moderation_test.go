package moderation

import (
	"errors"
	"testing"

	"projective/pkg/contract"
)

func TestScan(t *testing.T) {
	s := New(nil)
	cases := []struct {
		text   string
		reason string
	}{
		{"", ""},
		{"hello there", ""},
		{"this is a SCAM", ReasonKeyword},
		{"please do a bank_transfer", ReasonKeyword},
		{"card 4111 1111 1111 1111 ok", ReasonSensitive},
		{"card 4111-1111-1111-1111", ReasonSensitive},
		{"order 12345 shipped", ""},
	}
	for _, c := range cases {
		err := s.Scan(c.text)
		if c.reason == "" {
			if err != nil {
				t.Fatalf("%q 不应拒绝: %v", c.text, err)
			}
			continue
		}
		var rej *Rejection
		if !errors.As(err, &rej) || rej.Reason != c.reason {
			t.Fatalf("%q 拒绝原因不符: %v", c.text, err)
		}
		if !errors.Is(err, contract.ErrRejected) {
			t.Fatalf("应匹配 ErrRejected")
		}
	}
}

func TestCustomBlocklist(t *testing.T) {
	s := New([]string{" Spoiler ", ""})
	if s.Scan("no SPOILERS please") == nil {
		t.Fatalf("自定义词应命中（大小写无关）")
	}
	if s.Scan("a scam") != nil {
		t.Fatalf("自定义列表不应包含默认词")
	}
}
