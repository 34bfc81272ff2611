package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// statusPortRange is how many ports past the base to probe. Mirrors
// the server's port-conflict retry window.
const statusPortRange = 10

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	host := fs.String("host", "127.0.0.1", "host to probe")
	basePort := fs.Int("port", 8484, "base port to probe")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	client := &http.Client{Timeout: 2 * time.Second}

	for port := *basePort; port < *basePort+statusPortRange; port++ {
		addr := net.JoinHostPort(*host, strconv.Itoa(port))
		resp, err := client.Get("http://" + addr + "/health")
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Fprintf(stdout, "musetap host is running on %s\n", addr)
			return 0
		}
	}

	fmt.Fprintf(stdout, "No musetap host found on %s ports %d-%d.\n",
		*host, *basePort, *basePort+statusPortRange-1)
	return 1
}
