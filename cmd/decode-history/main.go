// Command decode-history decodes a captured history read-out offline. It
// reads one hex-encoded 21-byte package per line from stdin, up to and
// including the all-zero terminator.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chaz8081/timeflip/internal/ble/protocol"
)

func main() {
	skipInvalid := flag.Bool("skip-invalid", false, "drop blocks with an out-of-range facet instead of failing")
	flag.Parse()

	if err := decode(os.Stdin, os.Stdout, *skipInvalid); err != nil {
		fmt.Fprintf(os.Stderr, "decode-history: %v\n", err)
		os.Exit(1)
	}
}

func decode(r io.Reader, w io.Writer, skipInvalid bool) error {
	dec := &protocol.HistoryDecoder{SkipInvalid: skipInvalid}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.Join(strings.Fields(scanner.Text()), "")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		pkg, err := hex.DecodeString(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		done, err := dec.Feed(pkg)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	records, err := dec.Records()
	if err != nil {
		return err
	}
	for _, skipped := range dec.Skipped() {
		fmt.Fprintf(w, "# skipped: %v\n", skipped)
	}
	fmt.Fprintf(w, "# %d packages, %d records\n", dec.Packages(), len(records))
	for i, r := range records {
		fmt.Fprintf(w, "%d\tfacet=%d\tseconds=%d\tpaused=%t\n", i, r.Facet, r.Duration, r.Paused())
	}
	return nil
}
