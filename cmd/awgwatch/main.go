// awgwatch connects to the status notifier port and prints each
// LIST<id>:<STATE> line it receives, colorized by state.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/fatih/color"
)

func main() {
	addr := flag.String("addr", "localhost:9101", "status notifier address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "awgwatch: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	idle := color.New(color.FgYellow)
	loading := color.New(color.FgCyan)
	ready := color.New(color.FgGreen, color.Bold)

	r := bufio.NewScanner(conn)
	for r.Scan() {
		line := r.Text()
		printColorized(line, idle, loading, ready)
	}
	if err := r.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "awgwatch: connection closed: %v\n", err)
		os.Exit(1)
	}
}

func printColorized(line string, idle, loading, ready *color.Color) {
	switch {
	case strings.HasSuffix(line, ":IDLE"):
		idle.Println(line)
	case strings.HasSuffix(line, ":LOADING"):
		loading.Println(line)
	case strings.HasSuffix(line, ":READY"):
		ready.Println(line)
	default:
		fmt.Println(line)
	}
}
