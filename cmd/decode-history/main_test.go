package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chaz8081/timeflip/internal/ble/protocol"
)

const terminatorHex = "000000000000000000000000000000000000000000"

func TestDecode(t *testing.T) {
	input := strings.Join([]string{
		"# captured read-out",
		// count 2, block 0 = facet 4 for 2 s, block 1 = facet 63 for 60 s
		"020004 3c003f 000000 000000 000000 000000 000000",
		terminatorHex,
		"ffffff", // after the terminator, ignored
	}, "\n")

	var out bytes.Buffer
	if err := decode(strings.NewReader(input), &out, false); err != nil {
		t.Fatalf("decode() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"# 1 packages, 2 records",
		"0\tfacet=4\tseconds=2\tpaused=false",
		"1\tfacet=63\tseconds=60\tpaused=true",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestDecodeMissingTerminator(t *testing.T) {
	input := "020004 3c003f 000000 000000 000000 000000 000000\n"
	err := decode(strings.NewReader(input), &bytes.Buffer{}, false)
	if !errors.Is(err, protocol.ErrIncompleteStream) {
		t.Errorf("decode() error = %v, want ErrIncompleteStream", err)
	}
}

func TestDecodeBadHex(t *testing.T) {
	err := decode(strings.NewReader("zz\n"), &bytes.Buffer{}, false)
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("decode() error = %v, want a line 1 error", err)
	}
}

func TestDecodeSkipInvalid(t *testing.T) {
	// block 1 carries facet 50
	input := "020004 010032 000000 000000 000000 000000 000000\n" + terminatorHex + "\n"

	if err := decode(strings.NewReader(input), &bytes.Buffer{}, false); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("decode() error = %v, want ErrProtocolViolation", err)
	}

	var out bytes.Buffer
	if err := decode(strings.NewReader(input), &out, true); err != nil {
		t.Fatalf("decode(skip) error = %v", err)
	}
	if !strings.Contains(out.String(), "# skipped:") || !strings.Contains(out.String(), "1 records") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}
