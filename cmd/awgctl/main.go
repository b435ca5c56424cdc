// awgctl is a TCP test/control client for the queued protocol: it
// connects with exponential backoff (the same pattern used for flaky
// serial links, applied here to a TCP dial that may race the server's
// own startup), then streams a preload of identical frames into one list
// while showing a spinner.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/theckman/yacspin"
)

func main() {
	addr := flag.String("addr", "localhost:9100", "queued protocol address")
	listID := flag.Int("list", 0, "list id to preload, 0 or 1")
	frames := flag.Int("frames", 1000, "number of identical frames to push")
	word := flag.Uint("word", 0xABCD0001, "32-bit command word to repeat in every frame")
	flag.Parse()

	if *listID != 0 && *listID != 1 {
		fmt.Fprintln(os.Stderr, "awgctl: -list must be 0 or 1")
		os.Exit(1)
	}

	conn, err := dialWithBackoff(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "awgctl: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	spinner, err := newSpinner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "awgctl: spinner: %v\n", err)
		os.Exit(1)
	}
	spinner.Start()

	if err := preload(conn, byte(*listID), *frames, uint32(*word), spinner); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}

	spinner.StopMessage(fmt.Sprintf("pushed %d frames to list %d", *frames, *listID))
	spinner.Stop()
}

// dialWithBackoff retries a TCP dial with an exponential backoff: short
// initial interval, no jitter, capped total elapsed time so a genuinely
// down server still fails promptly.
func dialWithBackoff(addr string) (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		c, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func newSpinner() (*yacspin.Spinner, error) {
	cfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " streaming preload",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	}
	return yacspin.New(cfg)
}

func preload(conn net.Conn, listID byte, frames int, word uint32, spinner *yacspin.Spinner) error {
	var begin [6]byte
	begin[0] = 'B'
	begin[1] = listID
	binary.BigEndian.PutUint32(begin[2:6], uint32(frames))
	if _, err := conn.Write(begin[:]); err != nil {
		return fmt.Errorf("preload_begin: %w", err)
	}

	push := make([]byte, 4+4)
	push[0] = 'P'
	push[1] = listID
	binary.BigEndian.PutUint16(push[2:4], 1)
	binary.BigEndian.PutUint32(push[4:8], word)

	for i := 0; i < frames; i++ {
		if _, err := conn.Write(push); err != nil {
			return fmt.Errorf("preload_push %d/%d: %w", i+1, frames, err)
		}
		if i%100 == 0 {
			spinner.Message(fmt.Sprintf("%d/%d frames", i+1, frames))
		}
	}
	return nil
}
